// Package learning turns recorded feedback and truth labels into edge
// confidence and weight updates. Evidence is appended to a Ledger; batches
// fold it into the graph through the Bayesian update rule and write one
// auditable WeightAdjustment per edge.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WessleyAI/wessley-diagnostics/engine/confidence"
	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
	"github.com/WessleyAI/wessley-diagnostics/pkg/fn"
	"github.com/WessleyAI/wessley-diagnostics/pkg/metrics"
)

// Graph is the slice of the graph store the loop reads and writes.
type Graph interface {
	GetNode(ctx context.Context, id string, opts ...graph.ReadOption) (domain.Node, error)
	GetEdge(ctx context.Context, id string, opts ...graph.ReadOption) (domain.Edge, error)
	IncomingEdges(ctx context.Context, nodeID string, edgeType domain.EdgeType, opts ...graph.ReadOption) ([]domain.Edge, error)
	UpdateEdgeWeights(ctx context.Context, edgeID string, conf, weight float64, m graph.Mutation) (domain.Edge, error)
}

// Invalidator is told which edges a batch changed, after the batch commits.
type Invalidator func(ctx context.Context, batchID string, edgeIDs []string)

// Loop records evidence and applies learning batches. One Loop per ledger
// should run batches at a time; within a process ApplyLearning serializes.
type Loop struct {
	graph      Graph
	ledger     Ledger
	params     confidence.Params
	retry      fn.RetryOpts
	actor      string
	logger     *slog.Logger
	metrics    *metrics.Registry
	now        func() time.Time
	invalidate Invalidator

	mu sync.Mutex
}

// Option configures a Loop.
type Option func(*Loop)

// WithParams overrides the update rule parameters.
func WithParams(p confidence.Params) Option { return func(l *Loop) { l.params = p } }

// WithRetry overrides the version conflict retry policy.
func WithRetry(r fn.RetryOpts) Option { return func(l *Loop) { l.retry = r } }

// WithActor sets the actor recorded on edge history.
func WithActor(a string) Option { return func(l *Loop) { l.actor = a } }

func WithLogger(lg *slog.Logger) Option { return func(l *Loop) { l.logger = lg } }

func WithMetrics(m *metrics.Registry) Option { return func(l *Loop) { l.metrics = m } }

func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// WithInvalidator registers a hook for changed edges, e.g. a cache broadcast.
func WithInvalidator(inv Invalidator) Option { return func(l *Loop) { l.invalidate = inv } }

// New creates a Loop over g and ledger.
func New(g Graph, ledger Ledger, opts ...Option) *Loop {
	l := &Loop{
		graph:  g,
		ledger: ledger,
		params: confidence.DefaultParams(),
		retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 10 * time.Millisecond,
			MaxWait:     100 * time.Millisecond,
			Jitter:      true,
		},
		actor: "learning-loop",
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.retry.Retryable = func(err error) bool { return errors.Is(err, domain.ErrVersionConflict) }
	l.retry.Name = "learning.UpdateEdgeWeights"
	return l
}

// Params returns the update rule parameters in effect.
func (l *Loop) Params() confidence.Params { return l.params }

// RecordFeedback appends a feedback event and returns its id. Whether the
// targeted edge or fault exists is decided when the event is applied, so
// any well-formed event is accepted. Re-recording an id is a no-op.
func (l *Loop) RecordFeedback(ctx context.Context, ev domain.FeedbackEvent) (string, error) {
	if err := domain.ValidateFeedback(ev); err != nil {
		return "", fmt.Errorf("learning: record feedback: %w", err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now().UTC()
	}
	ev.ObservableIDs = normalizeIDs(ev.ObservableIDs)
	ev.Processed, ev.ProcessedAt, ev.SkipReason = false, nil, ""
	if err := l.ledger.AppendFeedback(ctx, ev); err != nil && !errors.Is(err, ErrDuplicate) {
		return "", err
	}
	l.metrics.EvidenceRecorded("feedback")
	return ev.ID, nil
}

// RecordTruthLabel validates and appends a truth label. Every referenced edge
// must be an indicates edge into FaultID; when none are given the fault's
// active indicates edges are used. Reliability and quality are derived from
// the confirmation method and corroborations.
func (l *Loop) RecordTruthLabel(ctx context.Context, lb domain.TruthLabel) (domain.TruthLabel, error) {
	if err := domain.ValidateTruthLabel(lb); err != nil {
		return domain.TruthLabel{}, fmt.Errorf("learning: record truth label: %w", err)
	}
	fault, err := l.graph.GetNode(ctx, lb.FaultID, graph.IncludeInactive())
	if errors.Is(err, domain.ErrNotFound) || (err == nil && fault.Type != domain.NodeFault) {
		return domain.TruthLabel{}, fmt.Errorf("learning: record truth label: %w",
			domain.NewValidationError("fault_id", lb.FaultID, domain.ErrDanglingRef))
	}
	if err != nil {
		return domain.TruthLabel{}, fmt.Errorf("learning: record truth label: %w", err)
	}

	lb.EdgeIDs = normalizeIDs(lb.EdgeIDs)
	if len(lb.EdgeIDs) == 0 {
		edges, err := l.graph.IncomingEdges(ctx, lb.FaultID, domain.EdgeIndicates)
		if err != nil {
			return domain.TruthLabel{}, fmt.Errorf("learning: record truth label: %w", err)
		}
		for _, e := range edges {
			lb.EdgeIDs = append(lb.EdgeIDs, e.ID)
		}
		if len(lb.EdgeIDs) == 0 {
			return domain.TruthLabel{}, fmt.Errorf("learning: record truth label: %w",
				domain.NewValidationError("edge_ids", lb.FaultID, domain.ErrMissingField))
		}
	}
	for _, id := range lb.EdgeIDs {
		e, err := l.graph.GetEdge(ctx, id, graph.IncludeInactive())
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TruthLabel{}, fmt.Errorf("learning: record truth label: %w",
				domain.NewValidationError("edge_ids", id, domain.ErrDanglingRef))
		}
		if err != nil {
			return domain.TruthLabel{}, fmt.Errorf("learning: record truth label: %w", err)
		}
		if e.Type != domain.EdgeIndicates || e.TargetID != lb.FaultID {
			return domain.TruthLabel{}, fmt.Errorf("learning: record truth label: %w",
				domain.NewValidationError("edge_ids", id, domain.ErrInvalidEndpoints))
		}
	}

	if lb.ID == "" {
		lb.ID = uuid.NewString()
	}
	if lb.CreatedAt.IsZero() {
		lb.CreatedAt = l.now().UTC()
	}
	lb.Reliability = confidence.LabelReliability(lb.Method, lb.Corroborations, l.params)
	lb.Quality = confidence.Quality(lb.Reliability)
	lb.Processed, lb.ProcessedAt = false, nil
	if err := l.ledger.AppendLabel(ctx, lb); err != nil {
		if !errors.Is(err, ErrDuplicate) {
			return domain.TruthLabel{}, err
		}
		return l.ledger.Label(ctx, lb.ID)
	}
	l.metrics.EvidenceRecorded("truth_label")
	return lb, nil
}

// BatchSelector narrows a learning batch.
type BatchSelector struct {
	EdgeIDs []string  // only these edges; empty selects every edge with evidence
	Limit   int       // at most this many edges; 0 is unlimited
	Before  time.Time // only evidence created before this instant; zero is now
}

// Outcome is what a batch did with one edge.
type Outcome string

const (
	OutcomeAdjusted Outcome = "adjusted"
	OutcomeDeferred Outcome = "deferred"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeConflict Outcome = "conflict"
)

// EdgeResult reports one edge of a batch.
type EdgeResult struct {
	EdgeID       string           `json:"edge_id"`
	Outcome      Outcome          `json:"outcome"`
	Reason       string           `json:"reason,omitempty"`
	Feedback     int              `json:"feedback"`
	Labels       int              `json:"labels"`
	Before       confidence.State `json:"before"`
	After        confidence.State `json:"after"`
	AdjustmentID string           `json:"adjustment_id,omitempty"`
}

// Summary reports a learning batch.
type Summary struct {
	BatchID           string       `json:"batch_id"`
	Edges             []EdgeResult `json:"edges"`
	Adjusted          int          `json:"adjusted"`
	Deferred          int          `json:"deferred"`
	Skipped           int          `json:"skipped"`
	Conflicts         int          `json:"conflicts"`
	FeedbackProcessed int          `json:"feedback_processed"`
	LabelsProcessed   int          `json:"labels_processed"`
	InvalidatedEdges  []string     `json:"invalidated_edges,omitempty"`
}

type eventRef struct {
	kind eventKind
	id   string
}

// bucket is the unconsumed evidence for one edge.
type bucket struct {
	feedback []domain.FeedbackEvent
	labels   []domain.TruthLabel
}

// batch is the working state of one ApplyLearning call.
type batch struct {
	id        string
	buckets   map[string]*bucket
	remaining map[eventRef]int // unconsumed target edges per event
	orphans   []domain.FeedbackEvent
	finished  []eventRef // events whose every target was already consumed
}

// ApplyLearning folds pending evidence into edge weights. Edges whose
// evidence is below the minimum are deferred and keep it pending. Unknown or
// non-active edges, and edges with nothing but neutral feedback, consume
// their evidence with a skip reason. Every applied
// edge gets exactly one WeightAdjustment, even when the numbers do not move.
// Running it again without new evidence changes nothing.
func (l *Loop) ApplyLearning(ctx context.Context, sel BatchSelector) (Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, span := otel.Tracer("engine/learning").Start(ctx, "learning.ApplyLearning")
	defer span.End()

	sum, err := l.apply(ctx, sel)
	span.SetAttributes(
		attribute.String("learning.batch", sum.BatchID),
		attribute.Int("learning.adjusted", sum.Adjusted),
		attribute.Int("learning.deferred", sum.Deferred),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	l.metrics.LearningEdges(string(OutcomeAdjusted), sum.Adjusted)
	l.metrics.LearningEdges(string(OutcomeDeferred), sum.Deferred)
	l.metrics.LearningEdges(string(OutcomeSkipped), sum.Skipped)
	l.metrics.LearningEdges(string(OutcomeConflict), sum.Conflicts)
	return sum, err
}

func (l *Loop) apply(ctx context.Context, sel BatchSelector) (Summary, error) {
	sum := Summary{BatchID: uuid.NewString()}
	log := l.logger.With("batch", sum.BatchID)

	pending, err := l.ledger.Pending(ctx)
	if err != nil {
		return sum, err
	}
	b, err := l.plan(ctx, sum.BatchID, pending, sel)
	if err != nil {
		return sum, err
	}

	if err := l.closeOrphans(ctx, b, &sum); err != nil {
		return sum, err
	}

	edges := make([]string, 0, len(b.buckets))
	for id := range b.buckets {
		edges = append(edges, id)
	}
	sort.Strings(edges)
	if len(sel.EdgeIDs) > 0 {
		want := map[string]bool{}
		for _, id := range sel.EdgeIDs {
			want[id] = true
		}
		edges = fn.Filter(edges, func(id string) bool { return want[id] })
	}
	if sel.Limit > 0 && len(edges) > sel.Limit {
		edges = edges[:sel.Limit]
	}

	for _, edgeID := range edges {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := l.applyEdge(ctx, b, edgeID, &sum)
		if err != nil {
			log.Error("learning batch aborted", "edge_id", edgeID, "err", err)
			return sum, err
		}
		sum.Edges = append(sum.Edges, res)
		switch res.Outcome {
		case OutcomeAdjusted:
			sum.Adjusted++
			sum.InvalidatedEdges = append(sum.InvalidatedEdges, edgeID)
		case OutcomeDeferred:
			sum.Deferred++
		case OutcomeSkipped:
			sum.Skipped++
		case OutcomeConflict:
			sum.Conflicts++
		}
	}

	if len(sum.InvalidatedEdges) > 0 && l.invalidate != nil {
		l.invalidate(ctx, sum.BatchID, sum.InvalidatedEdges)
	}
	log.Info("learning batch applied",
		"adjusted", sum.Adjusted, "deferred", sum.Deferred, "skipped", sum.Skipped,
		"conflicts", sum.Conflicts, "feedback", sum.FeedbackProcessed, "labels", sum.LabelsProcessed)
	return sum, nil
}

// plan expands every pending event to its unconsumed target edges.
func (l *Loop) plan(ctx context.Context, id string, p Pending, sel BatchSelector) (*batch, error) {
	b := &batch{id: id, buckets: map[string]*bucket{}, remaining: map[eventRef]int{}}
	get := func(edgeID string) *bucket {
		bk, ok := b.buckets[edgeID]
		if !ok {
			bk = &bucket{}
			b.buckets[edgeID] = bk
		}
		return bk
	}
	inBatch := func(t time.Time) bool { return sel.Before.IsZero() || t.Before(sel.Before) }

	for _, ev := range p.Feedback {
		if !inBatch(ev.CreatedAt) {
			continue
		}
		targets, err := l.feedbackTargets(ctx, ev)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			b.orphans = append(b.orphans, ev)
			continue
		}
		ref := eventRef{kindFeedback, ev.ID}
		for _, edgeID := range targets {
			if p.FeedbackConsumed(ev.ID, edgeID) {
				continue
			}
			bk := get(edgeID)
			bk.feedback = append(bk.feedback, ev)
			b.remaining[ref]++
		}
		if b.remaining[ref] == 0 {
			b.finished = append(b.finished, ref)
		}
	}
	for _, lb := range p.Labels {
		if !inBatch(lb.CreatedAt) {
			continue
		}
		ref := eventRef{kindLabel, lb.ID}
		for _, edgeID := range lb.EdgeIDs {
			if p.LabelConsumed(lb.ID, edgeID) {
				continue
			}
			bk := get(edgeID)
			bk.labels = append(bk.labels, lb)
			b.remaining[ref]++
		}
		if b.remaining[ref] == 0 {
			b.finished = append(b.finished, ref)
		}
	}
	return b, nil
}

// feedbackTargets resolves the edges an event applies to. Fault-level events
// expand to the fault's active indicates edges, restricted to the event's
// observables when it names any.
func (l *Loop) feedbackTargets(ctx context.Context, ev domain.FeedbackEvent) ([]string, error) {
	if ev.EdgeID != "" {
		return []string{ev.EdgeID}, nil
	}
	edges, err := l.graph.IncomingEdges(ctx, ev.FaultID, domain.EdgeIndicates)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("learning: expand %s: %w", ev.ID, err)
	}
	var obs map[string]bool
	if len(ev.ObservableIDs) > 0 {
		obs = map[string]bool{}
		for _, id := range ev.ObservableIDs {
			obs[id] = true
		}
	}
	var out []string
	for _, e := range edges {
		if obs == nil || obs[e.SourceID] {
			out = append(out, e.ID)
		}
	}
	return out, nil
}

// closeOrphans marks events that no edge can consume, plus events whose
// targets were all consumed by an earlier interrupted batch.
func (l *Loop) closeOrphans(ctx context.Context, b *batch, sum *Summary) error {
	at := l.now().UTC()
	if len(b.orphans) > 0 {
		c := Commit{SkipReason: "no matching indicates edges", At: at}
		for _, ev := range b.orphans {
			c.FeedbackDone = append(c.FeedbackDone, ev.ID)
		}
		if err := l.closeEvents(ctx, c, sum); err != nil {
			return err
		}
	}
	if len(b.finished) > 0 {
		c := Commit{At: at}
		for _, ref := range b.finished {
			if ref.kind == kindFeedback {
				c.FeedbackDone = append(c.FeedbackDone, ref.id)
			} else {
				c.LabelsDone = append(c.LabelsDone, ref.id)
			}
		}
		if err := l.closeEvents(ctx, c, sum); err != nil {
			return err
		}
	}
	return nil
}

// closeEvents commits c. When another batch closed any of its events first
// nothing is committed, and the next plan sees whatever is still pending.
func (l *Loop) closeEvents(ctx context.Context, c Commit, sum *Summary) error {
	err := l.ledger.Commit(ctx, c)
	if errors.Is(err, ErrConsumed) {
		l.logger.Warn("learning: events already closed", "err", err)
		return nil
	}
	if err != nil {
		return err
	}
	sum.FeedbackProcessed += len(c.FeedbackDone)
	sum.LabelsProcessed += len(c.LabelsDone)
	return nil
}

// evidence aggregates a bucket. Neutral feedback is consumed but carries no
// weight.
func evidence(bk *bucket) confidence.Evidence {
	var ev confidence.Evidence
	for _, lb := range bk.labels {
		if lb.Confirmed {
			ev.LabelPositive++
			ev.LabelReliabilityPos += lb.Reliability
		} else {
			ev.LabelNegative++
			ev.LabelReliabilityNeg += lb.Reliability
		}
	}
	for _, f := range bk.feedback {
		switch f.Sentiment {
		case domain.SentimentPositive:
			ev.RawPositive++
			ev.RawReliabilityPos += f.SourceReliability
		case domain.SentimentNegative:
			ev.RawNegative++
			ev.RawReliabilityNeg += f.SourceReliability
		}
	}
	return ev
}

// errSkip ends an edge's retry loop when the edge can no longer be learned.
type errSkip struct{ reason string }

func (e errSkip) Error() string { return e.reason }

type applied struct {
	before domain.Edge
	after  domain.Edge
	state  confidence.State
}

func (l *Loop) applyEdge(ctx context.Context, b *batch, edgeID string, sum *Summary) (EdgeResult, error) {
	bk := b.buckets[edgeID]
	res := EdgeResult{EdgeID: edgeID, Feedback: len(bk.feedback), Labels: len(bk.labels)}
	ev := evidence(bk)

	edge, err := l.learnable(ctx, edgeID)
	var skip errSkip
	if errors.As(err, &skip) {
		return l.skipEdge(ctx, b, res, skip.reason, sum)
	}
	if err != nil {
		return res, err
	}
	res.Before = confidence.State{Confidence: edge.Confidence, Weight: edge.Weight}
	if ev.Total() == 0 {
		res.After = res.Before
		return l.skipEdge(ctx, b, res, "only neutral feedback", sum)
	}
	if ev.Total() < l.params.MinFeedback {
		res.Outcome = OutcomeDeferred
		res.After = res.Before
		return res, nil
	}

	r := fn.Retry(ctx, l.retry, func(ctx context.Context) fn.Result[applied] {
		cur, err := l.learnable(ctx, edgeID)
		if err != nil {
			return fn.Err[applied](err)
		}
		prior := confidence.State{Confidence: cur.Confidence, Weight: cur.Weight}
		next, _ := confidence.BayesianUpdate(prior, ev, l.params)
		updated, err := l.graph.UpdateEdgeWeights(ctx, edgeID, next.Confidence, next.Weight, graph.Mutation{
			Actor:           l.actor,
			Reason:          "learning batch " + b.id,
			ExpectedVersion: cur.Version,
		})
		return fn.FromPair(applied{before: cur, after: updated, state: next}, err)
	})
	a, err := r.Unwrap()
	switch {
	case errors.As(err, &skip):
		return l.skipEdge(ctx, b, res, skip.reason, sum)
	case errors.Is(err, domain.ErrVersionConflict):
		l.logger.Warn("learning: edge kept changing, evidence left pending", "edge_id", edgeID, "err", err)
		res.Outcome = OutcomeConflict
		res.Reason = err.Error()
		res.After = res.Before
		return res, nil
	case err != nil:
		return res, err
	}

	now := l.now().UTC()
	adj := &domain.WeightAdjustment{
		ID:                uuid.NewString(),
		EdgeID:            edgeID,
		ConfidenceBefore:  a.before.Confidence,
		ConfidenceAfter:   a.after.Confidence,
		WeightBefore:      a.before.Weight,
		WeightAfter:       a.after.Weight,
		Formula:           confidence.Formula,
		Inputs:            ev.Inputs(l.params),
		EdgeVersionBefore: a.before.Version,
		EdgeVersionAfter:  a.after.Version,
		CreatedAt:         now,
	}
	c := l.consume(b, edgeID, Commit{EdgeID: edgeID, Adjustment: adj, At: now})
	adj.FeedbackIDs, adj.LabelIDs = c.FeedbackIDs, c.LabelIDs
	if err := l.ledger.Commit(ctx, c); err != nil {
		release(b, c)
		if rerr := l.revert(ctx, b.id, a); rerr != nil {
			l.logger.Error("learning: edge updated without audit", "edge_id", edgeID, "err", rerr)
			return res, fmt.Errorf("learning: edge %s updated without audit: %w", edgeID, errors.Join(err, rerr))
		}
		if errors.Is(err, ErrConsumed) {
			l.logger.Warn("learning: evidence applied elsewhere, edge reverted", "edge_id", edgeID, "err", err)
			res.Outcome = OutcomeConflict
			res.Reason = err.Error()
			res.After = res.Before
			return res, nil
		}
		return res, err
	}
	sum.FeedbackProcessed += len(c.FeedbackDone)
	sum.LabelsProcessed += len(c.LabelsDone)

	res.Outcome = OutcomeAdjusted
	res.Before = confidence.State{Confidence: a.before.Confidence, Weight: a.before.Weight}
	res.After = confidence.State{Confidence: a.after.Confidence, Weight: a.after.Weight}
	res.AdjustmentID = adj.ID
	return res, nil
}

// revert undoes a weight write whose ledger commit failed. When nothing has
// written the edge since, it gets its prior values back. Otherwise it is
// reprojected from the adjustment log, which is what the edge must match.
func (l *Loop) revert(ctx context.Context, batchID string, a applied) error {
	if a.after.Version == a.before.Version {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	m := graph.Mutation{Actor: l.actor, Reason: "revert learning batch " + batchID, ExpectedVersion: a.after.Version}
	_, err := l.graph.UpdateEdgeWeights(ctx, a.after.ID, a.before.Confidence, a.before.Weight, m)
	if !errors.Is(err, domain.ErrVersionConflict) {
		return err
	}
	_, err = fn.Retry(ctx, l.retry, func(ctx context.Context) fn.Result[domain.Edge] {
		cur, err := l.graph.GetEdge(ctx, a.after.ID, graph.IncludeInactive())
		if err != nil {
			return fn.Err[domain.Edge](err)
		}
		st, err := l.Replay(ctx, a.after.ID)
		if err != nil {
			return fn.Err[domain.Edge](err)
		}
		m.ExpectedVersion = cur.Version
		e, err := l.graph.UpdateEdgeWeights(ctx, cur.ID, st.Confidence, st.Weight, m)
		return fn.FromPair(e, err)
	}).Unwrap()
	return err
}

// learnable returns the edge if the loop may update it, or an errSkip.
func (l *Loop) learnable(ctx context.Context, edgeID string) (domain.Edge, error) {
	e, err := l.graph.GetEdge(ctx, edgeID, graph.IncludeInactive())
	if errors.Is(err, domain.ErrNotFound) {
		return e, errSkip{"edge not found"}
	}
	if err != nil {
		return e, err
	}
	if e.Status != domain.StatusActive {
		return e, errSkip{"edge is " + string(e.Status)}
	}
	return e, nil
}

func (l *Loop) skipEdge(ctx context.Context, b *batch, res EdgeResult, reason string, sum *Summary) (EdgeResult, error) {
	c := l.consume(b, res.EdgeID, Commit{EdgeID: res.EdgeID, SkipReason: reason, At: l.now().UTC()})
	if err := l.ledger.Commit(ctx, c); err != nil {
		release(b, c)
		if errors.Is(err, ErrConsumed) {
			res.Outcome = OutcomeConflict
			res.Reason = err.Error()
			return res, nil
		}
		return res, err
	}
	sum.FeedbackProcessed += len(c.FeedbackDone)
	sum.LabelsProcessed += len(c.LabelsDone)
	res.Outcome = OutcomeSkipped
	res.Reason = reason
	return res, nil
}

// consume fills c with the edge's events and closes those with no other
// unconsumed target.
func (l *Loop) consume(b *batch, edgeID string, c Commit) Commit {
	bk := b.buckets[edgeID]
	for _, f := range bk.feedback {
		c.FeedbackIDs = append(c.FeedbackIDs, f.ID)
		ref := eventRef{kindFeedback, f.ID}
		if b.remaining[ref]--; b.remaining[ref] == 0 {
			c.FeedbackDone = append(c.FeedbackDone, f.ID)
		}
	}
	for _, lb := range bk.labels {
		c.LabelIDs = append(c.LabelIDs, lb.ID)
		ref := eventRef{kindLabel, lb.ID}
		if b.remaining[ref]--; b.remaining[ref] == 0 {
			c.LabelsDone = append(c.LabelsDone, lb.ID)
		}
	}
	return c
}

// release undoes consume for a commit that did not land.
func release(b *batch, c Commit) {
	for _, id := range c.FeedbackIDs {
		b.remaining[eventRef{kindFeedback, id}]++
	}
	for _, id := range c.LabelIDs {
		b.remaining[eventRef{kindLabel, id}]++
	}
}

// Adjustments returns an edge's audit trail, oldest first.
func (l *Loop) Adjustments(ctx context.Context, edgeID string) ([]domain.WeightAdjustment, error) {
	return l.ledger.Adjustments(ctx, edgeID)
}

// Replay recomputes an edge's learned state from its base values and
// adjustment log.
func (l *Loop) Replay(ctx context.Context, edgeID string) (confidence.State, error) {
	e, err := l.graph.GetEdge(ctx, edgeID, graph.IncludeInactive())
	if err != nil {
		return confidence.State{}, fmt.Errorf("learning: replay %s: %w", edgeID, err)
	}
	adjs, err := l.ledger.Adjustments(ctx, edgeID)
	if err != nil {
		return confidence.State{}, err
	}
	st := confidence.State{Confidence: e.ConfidenceBase, Weight: e.WeightBase}
	for _, a := range adjs {
		ev, p := confidence.FromInputs(a.Inputs, l.params)
		st, _ = confidence.BayesianUpdate(st, ev, p)
	}
	return st, nil
}

// Drift is an edge whose stored state disagrees with its replayed log.
type Drift struct {
	EdgeID   string           `json:"edge_id"`
	Version  int64            `json:"version"`
	Current  confidence.State `json:"current"`
	Replayed confidence.State `json:"replayed"`
}

const driftTolerance = 1e-9

// Verify replays every adjusted edge and reports those that drifted.
func (l *Loop) Verify(ctx context.Context) ([]Drift, error) {
	ids, err := l.ledger.AdjustedEdges(ctx)
	if err != nil {
		return nil, err
	}
	results := fn.ParMapResult(ids, 4, func(id string) fn.Result[*Drift] {
		e, err := l.graph.GetEdge(ctx, id, graph.IncludeInactive())
		if errors.Is(err, domain.ErrNotFound) {
			return fn.Ok[*Drift](nil)
		}
		if err != nil {
			return fn.Err[*Drift](err)
		}
		st, err := l.Replay(ctx, id)
		if err != nil {
			return fn.Err[*Drift](err)
		}
		if math.Abs(st.Confidence-e.Confidence) <= driftTolerance && math.Abs(st.Weight-e.Weight) <= driftTolerance {
			return fn.Ok[*Drift](nil)
		}
		return fn.Ok(&Drift{
			EdgeID:   id,
			Version:  e.Version,
			Current:  confidence.State{Confidence: e.Confidence, Weight: e.Weight},
			Replayed: st,
		})
	})
	all, err := fn.Collect(results).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("learning: verify: %w", err)
	}
	var out []Drift
	for _, d := range all {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

// Reproject writes replayed state back over drifted edges and returns how
// many were repaired.
func (l *Loop) Reproject(ctx context.Context, drifts []Drift) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, d := range drifts {
		_, err := l.graph.UpdateEdgeWeights(ctx, d.EdgeID, d.Replayed.Confidence, d.Replayed.Weight, graph.Mutation{
			Actor:           l.actor,
			Reason:          "reproject from adjustment log",
			ExpectedVersion: d.Version,
		})
		if err != nil {
			return n, fmt.Errorf("learning: reproject %s: %w", d.EdgeID, err)
		}
		n++
	}
	if n > 0 {
		l.logger.Warn("learning: reprojected drifted edges", "count", n)
	}
	return n, nil
}

func normalizeIDs(ids []string) []string {
	out := fn.Unique(fn.Filter(fn.Map(ids, strings.TrimSpace), func(s string) bool { return s != "" }))
	sort.Strings(out)
	return out
}
