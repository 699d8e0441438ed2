package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(opts ...Option) (*Store, *testClock) {
	clk := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(append([]Option{WithClock(clk.now)}, opts...)...), clk
}

func observable(id string) domain.Node {
	return domain.Node{
		ID: id, Type: domain.NodeObservable, Label: "obs " + id, ConfidenceBase: 0.5,
		Observable: &domain.ObservableAttrs{Context: domain.ContextTags{Phase: domain.PhaseBraking}},
	}
}

func fault(id string) domain.Node {
	return domain.Node{ID: id, Type: domain.NodeFault, Label: "fault " + id, ConfidenceBase: 0.6, Fault: &domain.FaultAttrs{}}
}

func indicates(id, from, to string, conf float64) domain.Edge {
	return domain.Edge{ID: id, SourceID: from, TargetID: to, Type: domain.EdgeIndicates, ConfidenceBase: conf}
}

var mod = Mutation{Actor: "moderator", Reason: "test"}

func approve(t *testing.T, s *Store, kind domain.EntityKind, id string) {
	t.Helper()
	_, err := s.Approve(context.Background(), domain.EntityRef{Kind: kind, ID: id}, "moderator", "ok")
	require.NoError(t, err)
}

// activePair builds an active observable -> fault edge.
func activePair(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, observable("obs"), mod)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, fault("flt"), mod)
	require.NoError(t, err)
	approve(t, s, domain.KindNode, "obs")
	approve(t, s, domain.KindNode, "flt")
	_, err = s.UpsertEdge(ctx, indicates("e1", "obs", "flt", 0.7), mod)
	require.NoError(t, err)
	approve(t, s, domain.KindEdge, "e1")
}

func TestUpsertNodeStartsPending(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	n, err := s.UpsertNode(ctx, fault("f1"), Mutation{Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, n.Status)
	assert.Equal(t, int64(1), n.Version)

	_, err = s.GetNode(ctx, "f1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := s.GetNode(ctx, "f1", IncludeInactive())
	require.NoError(t, err)
	assert.Equal(t, "fault f1", got.Label)
}

func TestApproveRecordsHistory(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, fault("f1"), Mutation{Actor: "alice"})
	require.NoError(t, err)

	v, err := s.Approve(ctx, domain.EntityRef{Kind: domain.KindNode, ID: "f1"}, "bob", "looks right")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	n, err := s.GetNode(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, n.Status)

	h, err := s.History(ctx, domain.EntityRef{Kind: domain.KindNode, ID: "f1"})
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Nil(t, h[0].PriorNode)
	assert.Equal(t, []string{"created"}, h[0].ChangedFields)
	assert.Equal(t, "bob", h[1].Actor)
	assert.Contains(t, h[1].ChangedFields, "status")
	require.NotNil(t, h[1].PriorNode)
	assert.Equal(t, domain.StatusPendingReview, h[1].PriorNode.Status)

	// Approving again is a no-op.
	v, err = s.Approve(ctx, domain.EntityRef{Kind: domain.KindNode, ID: "f1"}, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestUpsertNodeUnchangedIsNoop(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, fault("f1"), mod)
	require.NoError(t, err)

	n, err := s.UpsertNode(ctx, fault("f1"), mod)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Version)
	h, _ := s.History(ctx, domain.EntityRef{Kind: domain.KindNode, ID: "f1"})
	assert.Len(t, h, 1)

	changed := fault("f1")
	changed.Label = "Worn pads"
	n, err = s.UpsertNode(ctx, changed, mod)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.Version)
	assert.Equal(t, domain.StatusPendingReview, n.Status)
}

func TestUpsertNodeTypeIsImmutable(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, fault("x"), mod)
	require.NoError(t, err)

	_, err = s.UpsertNode(ctx, observable("x"), mod)
	assert.ErrorIs(t, err, domain.ErrImmutableField)
}

func TestUpsertNodeValidation(t *testing.T) {
	s, _ := newTestStore()
	n := fault("f1")
	n.Fault.DTCCode = "X9999"
	_, err := s.UpsertNode(context.Background(), n, mod)
	assert.ErrorIs(t, err, domain.ErrInvalidDTC)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestVersionConflict(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, fault("f1"), mod)
	require.NoError(t, err)

	stale := fault("f1")
	stale.Label = "changed"
	_, err = s.UpsertNode(ctx, stale, Mutation{Actor: "a", ExpectedVersion: 5})
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(1), ce.Actual)

	_, err = s.UpsertNode(ctx, stale, Mutation{Actor: "a", ExpectedVersion: 1})
	assert.NoError(t, err)
}

func TestUpsertEdgeEndpoints(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, fault("f1"), mod)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, fault("f2"), mod)
	require.NoError(t, err)

	_, err = s.UpsertEdge(ctx, indicates("e1", "missing", "f1", 0.5), mod)
	assert.ErrorIs(t, err, domain.ErrDanglingRef)

	_, err = s.UpsertEdge(ctx, indicates("e2", "f2", "f1", 0.5), mod)
	assert.ErrorIs(t, err, domain.ErrInvalidEndpoints)
}

func TestApproveEdgeNeedsActiveEndpoints(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, observable("obs"), mod)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, fault("flt"), mod)
	require.NoError(t, err)
	e, err := s.UpsertEdge(ctx, indicates("e1", "obs", "flt", 0.7), mod)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, e.Status)
	assert.Equal(t, 0.7, e.Confidence)
	assert.Equal(t, 1.0, e.Weight)

	_, err = s.Approve(ctx, domain.EntityRef{Kind: domain.KindEdge, ID: "e1"}, "m", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	approve(t, s, domain.KindNode, "obs")
	approve(t, s, domain.KindNode, "flt")
	approve(t, s, domain.KindEdge, "e1")

	out, err := s.OutgoingEdges(ctx, "obs", domain.EdgeIndicates)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "e1", out[0].ID)

	in, err := s.IncomingEdges(ctx, "flt", "")
	require.NoError(t, err)
	require.Len(t, in, 1)

	_, err = s.OutgoingEdges(ctx, "nope", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEdgeBaseValuesAreImmutable(t *testing.T) {
	s, _ := newTestStore()
	activePair(t, s)

	_, err := s.UpsertEdge(context.Background(), indicates("e1", "obs", "flt", 0.9), mod)
	assert.ErrorIs(t, err, domain.ErrImmutableField)
}

func TestUpdateEdgeWeights(t *testing.T) {
	s, _ := newTestStore()
	activePair(t, s)
	ctx := context.Background()

	_, err := s.UpdateEdgeWeights(ctx, "e1", 0.8, 0.9, Mutation{Actor: "learner"})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	cur, err := s.GetEdge(ctx, "e1")
	require.NoError(t, err)

	_, err = s.UpdateEdgeWeights(ctx, "e1", 0.8, 0.9, Mutation{Actor: "learner", ExpectedVersion: cur.Version + 3})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	_, err = s.UpdateEdgeWeights(ctx, "e1", 1.2, 0.9, Mutation{Actor: "learner", ExpectedVersion: cur.Version})
	assert.ErrorIs(t, err, domain.ErrOutOfRange)

	next, err := s.UpdateEdgeWeights(ctx, "e1", 0.8, 0.9, Mutation{Actor: "learner", ExpectedVersion: cur.Version})
	require.NoError(t, err)
	assert.Equal(t, cur.Version+1, next.Version)
	assert.Equal(t, 0.8, next.Confidence)
	assert.Equal(t, 0.9, next.Weight)
	assert.Equal(t, 0.7, next.ConfidenceBase)
	assert.Equal(t, 1.0, next.WeightBase)

	_, err = s.UpdateEdgeWeights(ctx, "ghost", 0.5, 0.5, Mutation{Actor: "learner", ExpectedVersion: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAsOfReadsPastVersions(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()
	t0 := clk.now()
	activePair(t, s)

	clk.advance(time.Hour)
	cur, err := s.GetEdge(ctx, "e1")
	require.NoError(t, err)
	_, err = s.UpdateEdgeWeights(ctx, "e1", 0.95, 1, Mutation{Actor: "learner", ExpectedVersion: cur.Version})
	require.NoError(t, err)

	past, err := s.GetEdge(ctx, "e1", AsOf(t0))
	require.NoError(t, err)
	assert.Equal(t, 0.7, past.Confidence)

	now, err := s.GetEdge(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0.95, now.Confidence)

	_, err = s.GetEdge(ctx, "e1", AsOf(t0.Add(-time.Second)))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeprecate(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()
	activePair(t, s)
	t0 := clk.now()
	ref := domain.EntityRef{Kind: domain.KindEdge, ID: "e1"}

	clk.advance(time.Minute)
	_, err := s.Deprecate(ctx, ref, "m", "  ")
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, err = s.Deprecate(ctx, ref, "m", "superseded by TSB 21-001")
	require.NoError(t, err)

	_, err = s.GetEdge(ctx, "e1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	e, err := s.GetEdge(ctx, "e1", IncludeInactive())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeprecated, e.Status)
	require.NotNil(t, e.ValidTo)
	assert.True(t, e.ValidTo.Equal(clk.now()))

	past, err := s.GetEdge(ctx, "e1", AsOf(t0))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, past.Status)

	_, err = s.Approve(ctx, ref, "m", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestActiveEntityCannotCloseWindowByUpsert(t *testing.T) {
	s, clk := newTestStore()
	ctx := context.Background()
	activePair(t, s)
	clk.advance(time.Hour)

	n, err := s.GetNode(ctx, "flt")
	require.NoError(t, err)
	past := clk.now().Add(-time.Minute)
	n.ValidTo = &past
	_, err = s.UpsertNode(ctx, n, mod)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRejectNodeCascadesToPendingEdges(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, observable("obs"), mod)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, fault("flt"), mod)
	require.NoError(t, err)
	approve(t, s, domain.KindNode, "flt")
	_, err = s.UpsertEdge(ctx, indicates("e1", "obs", "flt", 0.5), mod)
	require.NoError(t, err)

	_, err = s.Reject(ctx, domain.EntityRef{Kind: domain.KindNode, ID: "obs"}, "m", "duplicate")
	require.NoError(t, err)

	e, err := s.GetEdge(ctx, "e1", IncludeInactive())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, e.Status)

	h, err := s.History(ctx, domain.EntityRef{Kind: domain.KindEdge, ID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, "endpoint obs rejected", h[len(h)-1].Reason)

	_, err = s.UpsertEdge(ctx, indicates("e2", "obs", "flt", 0.5), mod)
	assert.ErrorIs(t, err, domain.ErrDanglingRef)
}

func TestAdjacencyVersions(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	activePair(t, s)

	before := s.EntityVersion(AdjacencyKey("flt"))
	assert.Positive(t, before)

	cur, _ := s.GetEdge(ctx, "e1")
	_, err := s.UpdateEdgeWeights(ctx, "e1", 0.75, 1, Mutation{Actor: "l", ExpectedVersion: cur.Version})
	require.NoError(t, err)
	assert.Equal(t, before, s.EntityVersion(AdjacencyKey("flt")), "weight updates leave adjacency alone")
	assert.Equal(t, cur.Version+1, s.EntityVersion(EdgeKey("e1")))

	_, err = s.UpsertNode(ctx, observable("obs2"), mod)
	require.NoError(t, err)
	approve(t, s, domain.KindNode, "obs2")
	_, err = s.UpsertEdge(ctx, indicates("e2", "obs2", "flt", 0.4), mod)
	require.NoError(t, err)
	afterCreate := s.EntityVersion(AdjacencyKey("flt"))
	assert.Greater(t, afterCreate, before)

	approve(t, s, domain.KindEdge, "e2")
	assert.Greater(t, s.EntityVersion(AdjacencyKey("flt")), afterCreate)

	// A node status change reaches its neighbours.
	obsAdj := s.EntityVersion(AdjacencyKey("obs"))
	_, err = s.Deprecate(ctx, domain.EntityRef{Kind: domain.KindNode, ID: "flt"}, "m", "merged")
	require.NoError(t, err)
	assert.Greater(t, s.EntityVersion(AdjacencyKey("obs")), obsAdj)

	assert.Zero(t, s.EntityVersion(NodeKey("ghost")))
	assert.Zero(t, s.EntityVersion("bogus"))
}

func TestOnChangeListeners(t *testing.T) {
	s, _ := newTestStore()
	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	_, err := s.UpsertNode(context.Background(), fault("f1"), mod)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, domain.EntityRef{Kind: domain.KindNode, ID: "f1"}, changes[0].Ref)
	assert.Equal(t, int64(1), changes[0].Version)
	assert.Equal(t, []string{"f1"}, changes[0].Adjacent)
}

type failingPersister struct{ err error }

func (p failingPersister) PersistNode(context.Context, domain.Node, HistoryEntry) error { return p.err }
func (p failingPersister) PersistEdge(context.Context, domain.Edge, HistoryEntry) error { return p.err }

func TestPersisterFailureAbortsWrite(t *testing.T) {
	s, _ := newTestStore(WithPersister(failingPersister{err: errors.New("neo4j down")}))
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, fault("f1"), mod)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neo4j down")

	_, err = s.GetNode(ctx, "f1", IncludeInactive())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestRestoreRequiresEmptyStore(t *testing.T) {
	s, _ := newTestStore()
	activePair(t, s)
	err := s.Restore(context.Background(), Snapshot{})
	assert.Error(t, err)
}

func TestApplyReplicated(t *testing.T) {
	writer, _ := newTestStore()
	replica, _ := newTestStore()
	activePair(t, writer)
	activePair(t, replica)
	ctx := context.Background()

	var changes []Change
	replica.OnChange(func(c Change) { changes = append(changes, c) })

	cur, err := writer.GetEdge(ctx, "e1")
	require.NoError(t, err)
	updated, err := writer.UpdateEdgeWeights(ctx, "e1", 0.9, 0.8, Mutation{Actor: "learner", ExpectedVersion: cur.Version})
	require.NoError(t, err)

	ok, err := replica.ApplyReplicated(ctx, updated, Mutation{Actor: "replica", Reason: "batch"})
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := replica.GetEdge(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, updated.Version, got.Version)
	assert.Equal(t, 0.9, got.Confidence)
	require.Len(t, changes, 1)
	assert.Empty(t, changes[0].Adjacent, "weight-only updates keep adjacency")

	h, err := replica.History(ctx, domain.EntityRef{Kind: domain.KindEdge, ID: "e1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"confidence", "weight"}, h[len(h)-1].ChangedFields)

	// Redelivery is ignored.
	ok, err = replica.ApplyReplicated(ctx, updated, Mutation{Actor: "replica"})
	require.NoError(t, err)
	assert.False(t, ok)

	moved := updated
	moved.Version++
	moved.TargetID = "flt2"
	_, err = replica.ApplyReplicated(ctx, moved, Mutation{Actor: "replica"})
	assert.ErrorIs(t, err, domain.ErrImmutableField)

	ghost := updated
	ghost.ID = "ghost"
	_, err = replica.ApplyReplicated(ctx, ghost, Mutation{Actor: "replica"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
