package learning

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-diagnostics/engine/confidence"
	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
	"github.com/WessleyAI/wessley-diagnostics/pkg/fn"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func seededStore(t *testing.T, clk *testClock) *graph.Store {
	t.Helper()
	s := graph.New(graph.WithClock(clk.now))
	c, err := graph.LoadCatalogFile("")
	require.NoError(t, err)
	require.NoError(t, graph.Seed(context.Background(), s, c, "seed"))
	return s
}

type fixture struct {
	loop   *Loop
	store  *graph.Store
	ledger *MemoryLedger
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	clk := &testClock{t: time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)}
	s := seededStore(t, clk)
	l := NewMemoryLedger()
	opts = append([]Option{
		WithClock(clk.now),
		WithRetry(fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}),
	}, opts...)
	return fixture{loop: New(s, l, opts...), store: s, ledger: l}
}

func (f fixture) edge(t *testing.T, id string) domain.Edge {
	t.Helper()
	e, err := f.store.GetEdge(context.Background(), id, graph.IncludeInactive())
	require.NoError(t, err)
	return e
}

func (f fixture) feedback(t *testing.T, edgeID string, s domain.Sentiment, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id, err := f.loop.RecordFeedback(context.Background(), domain.FeedbackEvent{
			EdgeID: edgeID, Type: domain.FeedbackDiagnosisConfirmed, Sentiment: s, SourceReliability: 0.5,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (f fixture) label(t *testing.T, faultID string, edges []string, confirmed bool) domain.TruthLabel {
	t.Helper()
	l, err := f.loop.RecordTruthLabel(context.Background(), domain.TruthLabel{
		FaultID: faultID, EdgeIDs: edges, Method: domain.ConfirmDealerRepair,
		Confirmed: confirmed, Corroborations: 3,
	})
	require.NoError(t, err)
	return l
}

func outcomes(s Summary) map[string]Outcome {
	out := map[string]Outcome{}
	for _, e := range s.Edges {
		out[e.EdgeID] = e.Outcome
	}
	return out
}

func TestRecordFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Existence is decided at apply time.
	id, err := f.loop.RecordFeedback(ctx, domain.FeedbackEvent{
		EdgeID: "e_unknown", Type: domain.FeedbackUserVote, Sentiment: domain.SentimentPositive, SourceReliability: 0.3,
	})
	require.NoError(t, err)
	ev, err := f.ledger.Feedback(ctx, id)
	require.NoError(t, err)
	assert.False(t, ev.Processed)
	assert.False(t, ev.CreatedAt.IsZero())

	again, err := f.loop.RecordFeedback(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, id, again, "re-recording an id is a no-op")

	_, err = f.loop.RecordFeedback(ctx, domain.FeedbackEvent{EdgeID: "e_vib_pads", Type: domain.FeedbackUserVote, Sentiment: "maybe"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.loop.RecordFeedback(ctx, domain.FeedbackEvent{Type: domain.FeedbackUserVote, Sentiment: domain.SentimentPositive})
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestRecordTruthLabel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.label(t, "brake_pad_wear", nil, true)
	assert.Equal(t, []string{"e_smell_pads", "e_squeal_pads", "e_vib_pads"}, l.EdgeIDs)
	assert.InDelta(t, 0.96, l.Reliability, 1e-9)
	assert.Equal(t, domain.QualityHigh, l.Quality)

	self, err := f.loop.RecordTruthLabel(ctx, domain.TruthLabel{
		FaultID: "warped_rotor", EdgeIDs: []string{"e_vib_rotor"}, Method: domain.ConfirmSelfReport, Confirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.QualityLow, self.Quality)

	tests := []struct {
		name  string
		label domain.TruthLabel
		want  error
	}{
		{"unknown fault", domain.TruthLabel{FaultID: "nope", Method: domain.ConfirmDealerRepair}, domain.ErrDanglingRef},
		{"not a fault", domain.TruthLabel{FaultID: "smell_burning", Method: domain.ConfirmDealerRepair}, domain.ErrDanglingRef},
		{"unknown edge", domain.TruthLabel{FaultID: "warped_rotor", EdgeIDs: []string{"e_nope"}, Method: domain.ConfirmDealerRepair}, domain.ErrDanglingRef},
		{"edge of another fault", domain.TruthLabel{FaultID: "warped_rotor", EdgeIDs: []string{"e_vib_pads"}, Method: domain.ConfirmDealerRepair}, domain.ErrInvalidEndpoints},
		{"not an indicates edge", domain.TruthLabel{FaultID: "brake_pad_wear", EdgeIDs: []string{"e_pads_action"}, Method: domain.ConfirmDealerRepair}, domain.ErrInvalidEndpoints},
		{"unknown method", domain.TruthLabel{FaultID: "warped_rotor", Method: "vibes"}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.loop.RecordTruthLabel(ctx, tt.label)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBelowMinimumEvidenceIsDeferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.edge(t, "e_vib_rotor")

	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 2)
	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Deferred)
	assert.Zero(t, sum.Adjusted)
	assert.Equal(t, before, f.edge(t, "e_vib_rotor"))
	adjs, err := f.loop.Adjustments(ctx, "e_vib_rotor")
	require.NoError(t, err)
	assert.Empty(t, adjs)
	p, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, p.Feedback, 2, "deferred evidence stays pending")

	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 1)
	sum, err = f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Adjusted)
	assert.Equal(t, 3, sum.FeedbackProcessed)
	after := f.edge(t, "e_vib_rotor")
	assert.Greater(t, after.Confidence, before.Confidence)
	assert.Equal(t, before.Version+1, after.Version)
}

func TestTruthLabelsDominateRawFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	edge := f.edge(t, "e_vib_pads")
	require.InDelta(t, 0.6, edge.Confidence, 1e-9)

	var labelIDs []string
	for i := 0; i < 3; i++ {
		labelIDs = append(labelIDs, f.label(t, "brake_pad_wear", []string{"e_vib_pads"}, true).ID)
	}
	fbIDs := f.feedback(t, "e_vib_pads", domain.SentimentNegative, 2)

	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Adjusted)
	assert.Equal(t, 2, sum.FeedbackProcessed)
	assert.Equal(t, 3, sum.LabelsProcessed)

	// Labels first: (0.6*4 + 10*3) / 34, then raw at a tenth of their weight.
	labelled := (0.6*4 + 30) / 34
	want := (labelled*34 - 0.1*2) / 34.2
	got := f.edge(t, "e_vib_pads")
	assert.InDelta(t, want, got.Confidence, 1e-9)
	assert.Greater(t, got.Confidence, 0.9)
	wantWeight := ((4+10*3*0.96)/34*34 - 0.1*1.0) / 34.2
	assert.InDelta(t, wantWeight, got.Weight, 1e-9)

	adjs, err := f.loop.Adjustments(ctx, "e_vib_pads")
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	a := adjs[0]
	assert.Equal(t, confidence.Formula, a.Formula)
	assert.InDelta(t, 0.6, a.ConfidenceBefore, 1e-9)
	assert.Equal(t, got.Confidence, a.ConfidenceAfter)
	assert.Equal(t, edge.Version, a.EdgeVersionBefore)
	assert.Equal(t, got.Version, a.EdgeVersionAfter)
	assert.ElementsMatch(t, labelIDs, a.LabelIDs)
	assert.ElementsMatch(t, fbIDs, a.FeedbackIDs)
	assert.Equal(t, 3, a.Inputs.LabelPositive)
	assert.Equal(t, 2, a.Inputs.RawNegative)

	for _, id := range labelIDs {
		l, err := f.ledger.Label(ctx, id)
		require.NoError(t, err)
		assert.True(t, l.Processed)
	}

	// Nothing new to learn.
	again, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Empty(t, again.Edges)
	assert.Equal(t, got, f.edge(t, "e_vib_pads"))
}

func TestNeutralFeedbackCarriesNoEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.edge(t, "e_temp_thermo")
	for i := 0; i < 3; i++ {
		_, err := f.loop.RecordFeedback(ctx, domain.FeedbackEvent{
			EdgeID: "e_temp_thermo", Type: domain.FeedbackUserVote, Sentiment: domain.SentimentNeutral,
		})
		require.NoError(t, err)
	}
	f.feedback(t, "e_vib_rotor", domain.SentimentNeutral, 2)
	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 1)

	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"e_temp_thermo": OutcomeSkipped, "e_vib_rotor": OutcomeDeferred}, outcomes(sum))
	assert.Equal(t, 3, sum.FeedbackProcessed)
	assert.Equal(t, before, f.edge(t, "e_temp_thermo"))

	p, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, p.Feedback, 3, "neutral feedback next to real evidence waits with it")
	for _, ev := range p.Feedback {
		assert.Equal(t, "e_vib_rotor", ev.EdgeID)
	}
	adjs, err := f.loop.Adjustments(ctx, "e_temp_thermo")
	require.NoError(t, err)
	assert.Empty(t, adjs)

	again, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"e_vib_rotor": OutcomeDeferred}, outcomes(again))
}

func TestNeutralOnlyFeedbackIsClosedWithReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.feedback(t, "e_temp_thermo", domain.SentimentNeutral, 1)

	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	require.Len(t, sum.Edges, 1)
	assert.Equal(t, "only neutral feedback", sum.Edges[0].Reason)
	assert.Empty(t, sum.InvalidatedEdges)

	ev, err := f.ledger.Feedback(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Equal(t, "only neutral feedback", ev.SkipReason)
}

func TestFaultLevelFeedbackExpandsToIndicatesEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.loop.RecordFeedback(ctx, domain.FeedbackEvent{
			FaultID: "brake_pad_wear", ObservableIDs: []string{"vibration_braking", "smell_burning"},
			Type: domain.FeedbackRepairSuccessful, Sentiment: domain.SentimentPositive, SourceReliability: 0.8,
		})
		require.NoError(t, err)
	}
	squeal := f.edge(t, "e_squeal_pads")

	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"e_smell_pads": OutcomeAdjusted, "e_vib_pads": OutcomeAdjusted}, outcomes(sum))
	assert.Equal(t, 3, sum.FeedbackProcessed)
	assert.Equal(t, []string{"e_smell_pads", "e_vib_pads"}, sum.InvalidatedEdges)
	assert.Equal(t, squeal, f.edge(t, "e_squeal_pads"))
}

func TestEventsSpanningEdgesAreConsumedPerEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.loop.RecordFeedback(ctx, domain.FeedbackEvent{
			FaultID: "brake_pad_wear", Type: domain.FeedbackDiagnosisConfirmed,
			Sentiment: domain.SentimentPositive, SourceReliability: 0.6,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{EdgeIDs: []string{"e_smell_pads"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"e_smell_pads": OutcomeAdjusted}, outcomes(sum))
	assert.Zero(t, sum.FeedbackProcessed)
	ev, err := f.ledger.Feedback(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, ev.Processed, "two target edges still pending")

	sum, err = f.loop.ApplyLearning(ctx, BatchSelector{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"e_squeal_pads": OutcomeAdjusted}, outcomes(sum))

	sum, err = f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"e_vib_pads": OutcomeAdjusted}, outcomes(sum))
	assert.Equal(t, 3, sum.FeedbackProcessed)

	for _, edgeID := range []string{"e_smell_pads", "e_squeal_pads", "e_vib_pads"} {
		adjs, err := f.loop.Adjustments(ctx, edgeID)
		require.NoError(t, err)
		assert.Len(t, adjs, 1, edgeID)
	}
	ev, err = f.ledger.Feedback(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, ev.Processed)
}

func TestBatchBeforeCutoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 3)
	cutoff := f.loop.now()
	f.feedback(t, "e_vib_rotor", domain.SentimentNegative, 3)

	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{Before: cutoff})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Adjusted)
	assert.Equal(t, 3, sum.Edges[0].Feedback)
	p, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, p.Feedback, 3)
}

func TestUnknownAndInactiveEdgesAreSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ghost := f.feedback(t, "e_ghost", domain.SentimentPositive, 1)
	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 3)
	_, err := f.store.Deprecate(ctx, domain.EntityRef{Kind: domain.KindEdge, ID: "e_vib_rotor"}, "moderator", "superseded")
	require.NoError(t, err)
	orphan, err := f.loop.RecordFeedback(ctx, domain.FeedbackEvent{
		FaultID: "no_such_fault", Type: domain.FeedbackUserVote, Sentiment: domain.SentimentNegative,
	})
	require.NoError(t, err)

	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 5, sum.FeedbackProcessed)
	byEdge := map[string]EdgeResult{}
	for _, e := range sum.Edges {
		byEdge[e.EdgeID] = e
	}
	assert.Equal(t, "edge not found", byEdge["e_ghost"].Reason)
	assert.Equal(t, "edge is deprecated", byEdge["e_vib_rotor"].Reason)

	ev, err := f.ledger.Feedback(ctx, ghost[0])
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Equal(t, "edge not found", ev.SkipReason)
	ev, err = f.ledger.Feedback(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.NotEmpty(t, ev.SkipReason)
	assert.Empty(t, sum.InvalidatedEdges)
}

// conflictingGraph fails the first n weight writes with a version conflict.
type conflictingGraph struct {
	*graph.Store
	mu    sync.Mutex
	fails int
	calls int
}

func (g *conflictingGraph) UpdateEdgeWeights(ctx context.Context, id string, c, w float64, m graph.Mutation) (domain.Edge, error) {
	g.mu.Lock()
	g.calls++
	fail := g.fails > 0
	if fail {
		g.fails--
	}
	g.mu.Unlock()
	if fail {
		return domain.Edge{}, &domain.ConflictError{
			Ref: domain.EntityRef{Kind: domain.KindEdge, ID: id}, Expected: m.ExpectedVersion, Actual: m.ExpectedVersion + 1,
		}
	}
	return g.Store.UpdateEdgeWeights(ctx, id, c, w, m)
}

func TestVersionConflictsAreRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := &conflictingGraph{Store: f.store, fails: 2}
	loop := New(g, f.ledger, WithRetry(fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}))
	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 3)

	sum, err := loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Adjusted)
	assert.Equal(t, 3, g.calls)

	g.fails = 10
	f.feedback(t, "e_vib_rotor", domain.SentimentNegative, 3)
	sum, err = loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Conflicts)
	p, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, p.Feedback, 3, "conflicting evidence stays pending")
}

// adjustmentFailingLedger rejects every commit that carries an adjustment.
type adjustmentFailingLedger struct {
	Ledger
	err error
}

func (l adjustmentFailingLedger) Commit(ctx context.Context, c Commit) error {
	if c.Adjustment != nil {
		return l.err
	}
	return l.Ledger.Commit(ctx, c)
}

func TestFailedLedgerCommitRevertsEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 3)
	before := f.edge(t, "e_vib_rotor")

	broken := New(f.store, adjustmentFailingLedger{Ledger: f.ledger, err: errors.New("disk full")},
		WithClock(f.loop.now), WithRetry(fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}))
	_, err := broken.ApplyLearning(ctx, BatchSelector{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	after := f.edge(t, "e_vib_rotor")
	assert.Equal(t, before.Confidence, after.Confidence)
	assert.Equal(t, before.Weight, after.Weight)
	assert.Equal(t, before.Version+2, after.Version)
	p, err := f.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, p.Feedback, 3)

	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Adjusted)
	adjs, err := f.loop.Adjustments(ctx, "e_vib_rotor")
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, before.Confidence, adjs[0].ConfidenceBefore)
	drifts, err := f.loop.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

// interleavedLedger runs another batch over the same evidence just before
// its first adjustment commit lands.
type interleavedLedger struct {
	Ledger
	once  sync.Once
	other func()
}

func (l *interleavedLedger) Commit(ctx context.Context, c Commit) error {
	if c.Adjustment != nil {
		l.once.Do(l.other)
	}
	return l.Ledger.Commit(ctx, c)
}

func TestConcurrentBatchesApplyEvidenceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 3)

	single := newFixture(t)
	single.feedback(t, "e_vib_rotor", domain.SentimentPositive, 3)
	_, err := single.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	want := single.edge(t, "e_vib_rotor")

	var otherSum Summary
	var otherErr error
	racing := &interleavedLedger{Ledger: f.ledger}
	racing.other = func() { otherSum, otherErr = f.loop.ApplyLearning(ctx, BatchSelector{}) }
	api := New(f.store, racing,
		WithClock(f.loop.now), WithRetry(fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}))

	sum, err := api.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	require.NoError(t, otherErr)
	assert.Equal(t, 1, otherSum.Adjusted)
	assert.Equal(t, map[string]Outcome{"e_vib_rotor": OutcomeConflict}, outcomes(sum))
	assert.Zero(t, sum.FeedbackProcessed)

	adjs, err := f.loop.Adjustments(ctx, "e_vib_rotor")
	require.NoError(t, err)
	assert.Len(t, adjs, 1)
	got := f.edge(t, "e_vib_rotor")
	assert.InDelta(t, want.Confidence, got.Confidence, 1e-12)
	assert.InDelta(t, want.Weight, got.Weight, 1e-12)
	drifts, err := f.loop.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestReplayVerifyAndReproject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 4)
	_, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	f.label(t, "warped_rotor", []string{"e_vib_rotor"}, false)
	f.feedback(t, "e_vib_rotor", domain.SentimentNegative, 2)
	_, err = f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)
	f.label(t, "brake_pad_wear", nil, true)
	f.label(t, "brake_pad_wear", nil, true)
	f.label(t, "brake_pad_wear", nil, false)
	_, err = f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)

	for _, id := range []string{"e_vib_rotor", "e_vib_pads", "e_smell_pads", "e_squeal_pads"} {
		st, err := f.loop.Replay(ctx, id)
		require.NoError(t, err)
		e := f.edge(t, id)
		assert.InDelta(t, e.Confidence, st.Confidence, 1e-12, id)
		assert.InDelta(t, e.Weight, st.Weight, 1e-12, id)
	}
	drifts, err := f.loop.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	// A write that bypassed the ledger is detected and repaired.
	cur := f.edge(t, "e_vib_rotor")
	_, err = f.store.UpdateEdgeWeights(ctx, "e_vib_rotor", 0.01, 0.01, graph.Mutation{Actor: "rogue", ExpectedVersion: cur.Version})
	require.NoError(t, err)
	drifts, err = f.loop.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, "e_vib_rotor", drifts[0].EdgeID)
	assert.InDelta(t, cur.Confidence, drifts[0].Replayed.Confidence, 1e-12)

	n, err := f.loop.Reproject(ctx, drifts)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, cur.Confidence, f.edge(t, "e_vib_rotor").Confidence, 1e-12)
	drifts, err = f.loop.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (p *recordingPublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
	return nil
}

func TestInvalidationReachesReplicas(t *testing.T) {
	pub := &recordingPublisher{}
	var f fixture
	f = newFixture(t, WithInvalidator(func(ctx context.Context, batch string, ids []string) {
		PublishInvalidations(pub, f.store, nil)(ctx, batch, ids)
	}))
	ctx := context.Background()
	f.feedback(t, "e_vib_rotor", domain.SentimentPositive, 3)
	sum, err := f.loop.ApplyLearning(ctx, BatchSelector{})
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, SubjectCacheInvalidate, pub.msgs[0].Subject)

	var msg Invalidation
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &msg))
	assert.Equal(t, sum.BatchID, msg.BatchID)
	assert.Equal(t, []string{"e_vib_rotor"}, msg.EdgeIDs)

	replica := seededStore(t, &testClock{t: time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)})
	var changed []string
	replica.OnChange(func(c graph.Change) { changed = append(changed, c.Ref.ID) })
	n, err := ApplyInvalidation(ctx, replica, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"e_vib_rotor"}, changed)
	got, err := replica.GetEdge(ctx, "e_vib_rotor")
	require.NoError(t, err)
	assert.Equal(t, f.edge(t, "e_vib_rotor").Confidence, got.Confidence)
}

func TestConsumerHandlers(t *testing.T) {
	f := newFixture(t)
	c := NewConsumer(f.loop, nil, "", nil)
	ctx := context.Background()

	require.NoError(t, c.HandleFeedback(ctx, domain.FeedbackEvent{
		ID: "fb-1", EdgeID: "e_vib_pads", Type: domain.FeedbackPartReturned, Sentiment: domain.SentimentNegative, SourceReliability: 0.7,
	}))
	_, err := f.ledger.Feedback(ctx, "fb-1")
	require.NoError(t, err)

	assert.Error(t, c.HandleFeedback(ctx, domain.FeedbackEvent{EdgeID: "e_vib_pads", Type: "bogus"}))
	assert.Error(t, c.HandleTruthLabel(ctx, domain.TruthLabel{FaultID: "warped_rotor", EdgeIDs: []string{"e_vib_pads"}, Method: domain.ConfirmDealerRepair}))
	require.NoError(t, c.HandleTruthLabel(ctx, domain.TruthLabel{ID: "lb-1", FaultID: "warped_rotor", Method: domain.ConfirmPartsOrderKept, Confirmed: true}))
	l, err := f.ledger.Label(ctx, "lb-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e_vib_rotor"}, l.EdgeIDs)
}
