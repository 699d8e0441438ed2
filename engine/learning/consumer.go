package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
	"github.com/WessleyAI/wessley-diagnostics/pkg/natsutil"
)

// NATS subjects.
const (
	SubjectFeedback        = "diag.feedback"
	SubjectFeedbackDLQ     = "diag.feedback.dlq"
	SubjectTruthLabel      = "diag.truth_label"
	SubjectTruthLabelDLQ   = "diag.truth_label.dlq"
	SubjectCacheInvalidate = "diag.cache.invalidate"
)

// Invalidation announces edges a learning batch changed. Edges carry the
// committed versions so replicas can install them without a reload.
type Invalidation struct {
	BatchID string        `json:"batch_id,omitempty"`
	EdgeIDs []string      `json:"edge_ids"`
	Edges   []domain.Edge `json:"edges,omitempty"`
}

// Consumer feeds NATS feedback and truth label messages into a Loop.
type Consumer struct {
	loop   *Loop
	nc     *nats.Conn
	queue  string
	logger *slog.Logger
	subs   []*nats.Subscription
}

// NewConsumer creates a consumer. Replicas sharing queue split the load.
func NewConsumer(loop *Loop, nc *nats.Conn, queue string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{loop: loop, nc: nc, queue: queue, logger: logger}
}

// Start subscribes to the feedback and truth label subjects.
func (c *Consumer) Start() error {
	fb, err := natsutil.Subscribe(c.nc, SubjectFeedback, c.HandleFeedback, c.options(SubjectFeedbackDLQ)...)
	if err != nil {
		return fmt.Errorf("learning: subscribe %s: %w", SubjectFeedback, err)
	}
	lb, err := natsutil.Subscribe(c.nc, SubjectTruthLabel, c.HandleTruthLabel, c.options(SubjectTruthLabelDLQ)...)
	if err != nil {
		fb.Unsubscribe()
		return fmt.Errorf("learning: subscribe %s: %w", SubjectTruthLabel, err)
	}
	c.subs = []*nats.Subscription{fb, lb}
	c.logger.Info("learning consumer started", "queue", c.queue)
	return nil
}

func (c *Consumer) options(dlq string) []natsutil.SubscribeOption {
	opts := []natsutil.SubscribeOption{natsutil.WithLogger(c.logger), natsutil.WithDeadLetter(dlq)}
	if c.queue != "" {
		opts = append(opts, natsutil.WithQueue(c.queue))
	}
	return opts
}

// Stop drains the subscriptions.
func (c *Consumer) Stop() {
	for _, s := range c.subs {
		if err := s.Drain(); err != nil {
			c.logger.Warn("learning: drain subscription", "subject", s.Subject, "err", err)
		}
	}
	c.subs = nil
}

// HandleFeedback records one feedback message. Invalid events are returned
// as errors so they are dead-lettered.
func (c *Consumer) HandleFeedback(ctx context.Context, ev domain.FeedbackEvent) error {
	id, err := c.loop.RecordFeedback(ctx, ev)
	if err != nil {
		return err
	}
	c.logger.Debug("feedback recorded", "id", id, "edge_id", ev.EdgeID)
	return nil
}

// HandleTruthLabel records one truth label message.
func (c *Consumer) HandleTruthLabel(ctx context.Context, l domain.TruthLabel) error {
	got, err := c.loop.RecordTruthLabel(ctx, l)
	if err != nil {
		return err
	}
	c.logger.Debug("truth label recorded", "id", got.ID, "fault_id", got.FaultID, "quality", got.Quality)
	return nil
}

// EdgeReader reads committed edges.
type EdgeReader interface {
	GetEdge(ctx context.Context, id string, opts ...graph.ReadOption) (domain.Edge, error)
}

// PublishInvalidations returns an Invalidator that broadcasts changed edges.
// Publish failures are logged; replicas self-heal on their next version check.
func PublishInvalidations(p natsutil.Publisher, edges EdgeReader, logger *slog.Logger) Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, batchID string, ids []string) {
		msg := Invalidation{BatchID: batchID, EdgeIDs: ids}
		for _, id := range ids {
			e, err := edges.GetEdge(ctx, id, graph.IncludeInactive())
			if err != nil {
				logger.Warn("learning: invalidation edge read", "edge_id", id, "err", err)
				continue
			}
			msg.Edges = append(msg.Edges, e)
		}
		if err := natsutil.Publish(ctx, p, SubjectCacheInvalidate, msg); err != nil {
			logger.Error("learning: publish invalidation", "edges", len(ids), "err", err)
		}
	}
}

// Replicator installs edges announced by another process.
type Replicator interface {
	ApplyReplicated(ctx context.Context, e domain.Edge, m graph.Mutation) (bool, error)
}

// ApplyInvalidation installs the announced edges into a local store. Store
// change listeners then invalidate the local cache. Unknown edges are
// skipped.
func ApplyInvalidation(ctx context.Context, r Replicator, msg Invalidation) (int, error) {
	n := 0
	var errs []error
	for _, e := range msg.Edges {
		ok, err := r.ApplyReplicated(ctx, e, graph.Mutation{Actor: "replication", Reason: "learning batch " + msg.BatchID})
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			errs = append(errs, err)
		case ok:
			n++
		}
	}
	return n, errors.Join(errs...)
}

// SubscribeInvalidations installs edges announced on SubjectCacheInvalidate
// into r. Every replica subscribes without a queue group so each one sees
// every batch.
func SubscribeInvalidations(nc *nats.Conn, r Replicator, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := natsutil.Subscribe(nc, SubjectCacheInvalidate, func(ctx context.Context, msg Invalidation) error {
		n, err := ApplyInvalidation(ctx, r, msg)
		logger.Debug("invalidation applied", "batch_id", msg.BatchID, "edges", len(msg.Edges), "installed", n)
		return err
	}, natsutil.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("learning: subscribe %s: %w", SubjectCacheInvalidate, err)
	}
	return sub, nil
}
