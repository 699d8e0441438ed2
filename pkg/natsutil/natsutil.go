// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation and dead-letter routing.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Dead-letter headers set on messages a handler could not process.
const (
	HeaderDLQReason  = "Dlq-Reason"
	HeaderDLQSubject = "Dlq-Subject"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher is the publish side of *nats.Conn.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, p Publisher, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: marshal %s: %w", subject, err)
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return p.PublishMsg(msg)
}

// Handler processes one decoded message.
type Handler[T any] func(ctx context.Context, v T) error

// SubscribeOption configures Subscribe.
type SubscribeOption func(*subscribeOpts)

type subscribeOpts struct {
	queue      string
	deadLetter string
	logger     *slog.Logger
}

// WithQueue joins a queue group so replicas share the subject's load.
func WithQueue(group string) SubscribeOption {
	return func(o *subscribeOpts) { o.queue = group }
}

// WithDeadLetter republishes undecodable or failed messages to subject.
func WithDeadLetter(subject string) SubscribeOption {
	return func(o *subscribeOpts) { o.deadLetter = subject }
}

func WithLogger(l *slog.Logger) SubscribeOption {
	return func(o *subscribeOpts) { o.logger = l }
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the
// handler. Malformed messages and handler errors go to the dead-letter
// subject when one is configured and are logged otherwise.
func Subscribe[T any](nc *nats.Conn, subject string, handler Handler[T], opts ...SubscribeOption) (*nats.Subscription, error) {
	o := subscribeOpts{}
	for _, opt := range opts {
		opt(&o)
	}
	cb := MsgHandler(nc, handler, opts...)
	if o.queue != "" {
		return nc.QueueSubscribe(subject, o.queue, cb)
	}
	return nc.Subscribe(subject, cb)
}

// MsgHandler adapts handler to a raw NATS callback. dlq receives dead
// letters and may be nil when no dead-letter subject is configured.
func MsgHandler[T any](dlq Publisher, handler Handler[T], opts ...SubscribeOption) nats.MsgHandler {
	o := subscribeOpts{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return func(msg *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			deadLetter(ctx, dlq, o, msg, fmt.Errorf("decode: %w", err))
			return
		}
		if err := handler(ctx, v); err != nil {
			deadLetter(ctx, dlq, o, msg, err)
		}
	}
}

func deadLetter(ctx context.Context, dlq Publisher, o subscribeOpts, msg *nats.Msg, cause error) {
	log := o.logger.With("subject", msg.Subject, "err", cause)
	if o.deadLetter == "" || dlq == nil {
		log.Warn("natsutil: dropped message")
		return
	}
	out := &nats.Msg{Subject: o.deadLetter, Data: msg.Data, Header: nats.Header{}}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(out))
	out.Header.Set(HeaderDLQReason, cause.Error())
	out.Header.Set(HeaderDLQSubject, msg.Subject)
	if err := dlq.PublishMsg(out); err != nil {
		log.Error("natsutil: dead letter publish failed", "dlq", o.deadLetter, "publish_err", err)
		return
	}
	log.Warn("natsutil: message dead-lettered", "dlq", o.deadLetter)
}
