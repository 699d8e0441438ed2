package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
)

type testMsg struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type recorder struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (r *recorder) PublishMsg(m *nats.Msg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected traceparent, got %q", got)
	}

	keys := carrier.Keys()
	if len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestNatsHeaderCarrierNilHeader(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}
}

func TestPublish(t *testing.T) {
	r := &recorder{}
	if err := Publish(context.Background(), r, "diag.feedback", testMsg{Name: "x", Value: 2}); err != nil {
		t.Fatal(err)
	}
	if len(r.msgs) != 1 || r.msgs[0].Subject != "diag.feedback" {
		t.Fatalf("unexpected publish: %+v", r.msgs)
	}
	var got testMsg
	if err := json.Unmarshal(r.msgs[0].Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "x" || got.Value != 2 {
		t.Fatalf("unexpected payload: %+v", got)
	}

	if err := Publish(context.Background(), r, "bad", func() {}); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestMsgHandlerDecodes(t *testing.T) {
	var got testMsg
	h := MsgHandler(nil, func(_ context.Context, m testMsg) error {
		got = m
		return nil
	})
	h(&nats.Msg{Subject: "s", Data: []byte(`{"name":"brake","value":7}`)})
	if got.Name != "brake" || got.Value != 7 {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestMsgHandlerDeadLetters(t *testing.T) {
	r := &recorder{}
	calls := 0
	h := MsgHandler(r, func(_ context.Context, m testMsg) error {
		calls++
		if m.Value < 0 {
			return errors.New("negative value")
		}
		return nil
	}, WithDeadLetter("s.dlq"))

	h(&nats.Msg{Subject: "s", Data: []byte(`not json`)})
	h(&nats.Msg{Subject: "s", Data: []byte(`{"value":-1}`)})
	h(&nats.Msg{Subject: "s", Data: []byte(`{"value":1}`)})

	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
	if len(r.msgs) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(r.msgs))
	}
	for _, m := range r.msgs {
		if m.Subject != "s.dlq" || m.Header.Get(HeaderDLQSubject) != "s" || m.Header.Get(HeaderDLQReason) == "" {
			t.Fatalf("unexpected dead letter: %+v", m)
		}
	}
	if string(r.msgs[0].Data) != "not json" {
		t.Fatalf("dead letter should carry the original payload, got %q", r.msgs[0].Data)
	}
}

func TestMsgHandlerWithoutDeadLetterDrops(t *testing.T) {
	r := &recorder{}
	h := MsgHandler(r, func(context.Context, testMsg) error { return errors.New("boom") })
	h(&nats.Msg{Subject: "s", Data: []byte(`{}`)})
	if len(r.msgs) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(r.msgs))
	}
}
