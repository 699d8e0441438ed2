package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// ErrDuplicate is returned when an event id is appended twice.
var ErrDuplicate = errors.New("learning: duplicate event")

// ErrConsumed is returned by Commit when another batch already consumed or
// processed some of its events. Nothing in the commit is applied.
var ErrConsumed = fmt.Errorf("%w: evidence already consumed", domain.ErrVersionConflict)

// Ledger is the append-only record of feedback, truth labels and weight
// adjustments. Consumption is tracked per (event, edge) pair so that a
// fault-level event can be applied to each of its edges exactly once.
type Ledger interface {
	AppendFeedback(ctx context.Context, ev domain.FeedbackEvent) error
	AppendLabel(ctx context.Context, l domain.TruthLabel) error
	Feedback(ctx context.Context, id string) (domain.FeedbackEvent, error)
	Label(ctx context.Context, id string) (domain.TruthLabel, error)
	// Pending returns unprocessed feedback and labels, oldest first, with
	// the edges each has already been consumed by.
	Pending(ctx context.Context) (Pending, error)
	// Commit applies c atomically. It fails with ErrConsumed when an event
	// in c was consumed for c.EdgeID or marked processed in the meantime.
	Commit(ctx context.Context, c Commit) error
	// Adjustments returns an edge's adjustments, oldest first.
	Adjustments(ctx context.Context, edgeID string) ([]domain.WeightAdjustment, error)
	// AdjustedEdges lists every edge with at least one adjustment.
	AdjustedEdges(ctx context.Context) ([]string, error)
}

// Commit is the ledger side of one edge's learning step.
type Commit struct {
	EdgeID     string
	Adjustment *domain.WeightAdjustment
	// FeedbackIDs and LabelIDs are consumed for EdgeID.
	FeedbackIDs []string
	LabelIDs    []string
	// FeedbackDone and LabelsDone are now processed on every edge they target.
	FeedbackDone []string
	LabelsDone   []string
	SkipReason   string
	At           time.Time
}

type eventKind string

const (
	kindFeedback eventKind = "fb"
	kindLabel    eventKind = "lb"
)

type consumption struct {
	kind    eventKind
	eventID string
	edgeID  string
}

// Pending is the unprocessed evidence at the start of a batch.
type Pending struct {
	Feedback []domain.FeedbackEvent
	Labels   []domain.TruthLabel
	consumed map[consumption]struct{}
}

func (p *Pending) markConsumed(kind eventKind, eventID, edgeID string) {
	if p.consumed == nil {
		p.consumed = map[consumption]struct{}{}
	}
	p.consumed[consumption{kind, eventID, edgeID}] = struct{}{}
}

// FeedbackConsumed reports whether feedback id was already applied to edgeID.
func (p Pending) FeedbackConsumed(id, edgeID string) bool {
	_, ok := p.consumed[consumption{kindFeedback, id, edgeID}]
	return ok
}

// LabelConsumed reports whether label id was already applied to edgeID.
func (p Pending) LabelConsumed(id, edgeID string) bool {
	_, ok := p.consumed[consumption{kindLabel, id, edgeID}]
	return ok
}

func sortPending(p *Pending) {
	sort.SliceStable(p.Feedback, func(i, j int) bool {
		a, b := p.Feedback[i], p.Feedback[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	sort.SliceStable(p.Labels, func(i, j int) bool {
		a, b := p.Labels[i], p.Labels[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu          sync.RWMutex
	feedback    map[string]domain.FeedbackEvent
	labels      map[string]domain.TruthLabel
	consumed    map[consumption]struct{}
	adjustments map[string][]domain.WeightAdjustment
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		feedback:    map[string]domain.FeedbackEvent{},
		labels:      map[string]domain.TruthLabel{},
		consumed:    map[consumption]struct{}{},
		adjustments: map[string][]domain.WeightAdjustment{},
	}
}

func (m *MemoryLedger) AppendFeedback(_ context.Context, ev domain.FeedbackEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feedback[ev.ID]; ok {
		return ErrDuplicate
	}
	m.feedback[ev.ID] = cloneFeedback(ev)
	return nil
}

func (m *MemoryLedger) AppendLabel(_ context.Context, l domain.TruthLabel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.labels[l.ID]; ok {
		return ErrDuplicate
	}
	m.labels[l.ID] = cloneLabel(l)
	return nil
}

func (m *MemoryLedger) Feedback(_ context.Context, id string) (domain.FeedbackEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.feedback[id]
	if !ok {
		return domain.FeedbackEvent{}, domain.NewNotFound(kindFeedbackEntity, id)
	}
	return cloneFeedback(ev), nil
}

func (m *MemoryLedger) Label(_ context.Context, id string) (domain.TruthLabel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.labels[id]
	if !ok {
		return domain.TruthLabel{}, domain.NewNotFound(kindLabelEntity, id)
	}
	return cloneLabel(l), nil
}

func (m *MemoryLedger) Pending(_ context.Context) (Pending, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var p Pending
	for _, ev := range m.feedback {
		if !ev.Processed {
			p.Feedback = append(p.Feedback, cloneFeedback(ev))
		}
	}
	for _, l := range m.labels {
		if !l.Processed {
			p.Labels = append(p.Labels, cloneLabel(l))
		}
	}
	for c := range m.consumed {
		p.markConsumed(c.kind, c.eventID, c.edgeID)
	}
	sortPending(&p)
	return p, nil
}

func (m *MemoryLedger) Commit(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUnconsumed(c); err != nil {
		return err
	}
	if c.EdgeID != "" {
		for _, id := range c.FeedbackIDs {
			m.consumed[consumption{kindFeedback, id, c.EdgeID}] = struct{}{}
		}
		for _, id := range c.LabelIDs {
			m.consumed[consumption{kindLabel, id, c.EdgeID}] = struct{}{}
		}
	}
	at := c.At
	for _, id := range c.FeedbackDone {
		if ev, ok := m.feedback[id]; ok {
			ev.Processed = true
			ev.ProcessedAt = &at
			ev.SkipReason = c.SkipReason
			m.feedback[id] = ev
		}
	}
	for _, id := range c.LabelsDone {
		if l, ok := m.labels[id]; ok {
			l.Processed = true
			l.ProcessedAt = &at
			m.labels[id] = l
		}
	}
	if c.Adjustment != nil {
		m.adjustments[c.EdgeID] = append(m.adjustments[c.EdgeID], *c.Adjustment)
	}
	return nil
}

// checkUnconsumed fails when c would consume or close an event twice.
// Callers hold mu.
func (m *MemoryLedger) checkUnconsumed(c Commit) error {
	if c.EdgeID != "" {
		for _, id := range c.FeedbackIDs {
			if _, ok := m.consumed[consumption{kindFeedback, id, c.EdgeID}]; ok {
				return fmt.Errorf("learning: commit %s: feedback %s: %w", c.EdgeID, id, ErrConsumed)
			}
		}
		for _, id := range c.LabelIDs {
			if _, ok := m.consumed[consumption{kindLabel, id, c.EdgeID}]; ok {
				return fmt.Errorf("learning: commit %s: label %s: %w", c.EdgeID, id, ErrConsumed)
			}
		}
	}
	for _, id := range c.FeedbackDone {
		if m.feedback[id].Processed {
			return fmt.Errorf("learning: commit %s: feedback %s: %w", c.EdgeID, id, ErrConsumed)
		}
	}
	for _, id := range c.LabelsDone {
		if m.labels[id].Processed {
			return fmt.Errorf("learning: commit %s: label %s: %w", c.EdgeID, id, ErrConsumed)
		}
	}
	return nil
}

func (m *MemoryLedger) Adjustments(_ context.Context, edgeID string) ([]domain.WeightAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.WeightAdjustment(nil), m.adjustments[edgeID]...), nil
}

func (m *MemoryLedger) AdjustedEdges(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.adjustments))
	for id := range m.adjustments {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

const (
	kindFeedbackEntity domain.EntityKind = "feedback"
	kindLabelEntity    domain.EntityKind = "truth_label"
)

func cloneFeedback(ev domain.FeedbackEvent) domain.FeedbackEvent {
	ev.ObservableIDs = append([]string(nil), ev.ObservableIDs...)
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		ev.ProcessedAt = &t
	}
	return ev
}

func cloneLabel(l domain.TruthLabel) domain.TruthLabel {
	l.EdgeIDs = append([]string(nil), l.EdgeIDs...)
	if l.ProcessedAt != nil {
		t := *l.ProcessedAt
		l.ProcessedAt = &t
	}
	return l
}
