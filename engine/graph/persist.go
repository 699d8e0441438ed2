package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// Persister mirrors committed versions to durable storage. It runs before a
// write becomes visible; an error aborts the write.
type Persister interface {
	PersistNode(ctx context.Context, n domain.Node, h HistoryEntry) error
	PersistEdge(ctx context.Context, e domain.Edge, h HistoryEntry) error
}

// Snapshot is the durable state of a store: current versions plus history.
type Snapshot struct {
	Nodes   []domain.Node
	Edges   []domain.Edge
	History []HistoryEntry
}

// Restore loads a snapshot into an empty store without calling the
// persister. Each entity's earlier versions are rebuilt from the prior
// snapshots in its history, each recorded at the time of the history entry
// that created it, so point-in-time reads span the restart. Edges whose
// endpoints are missing are skipped.
func (s *Store) Restore(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.nodes) > 0 || len(s.edges) > 0 {
		return fmt.Errorf("graph: restore: store is not empty")
	}

	history := append([]HistoryEntry(nil), snap.History...)
	sort.SliceStable(history, func(i, j int) bool {
		if history[i].Version != history[j].Version {
			return history[i].Version < history[j].Version
		}
		return history[i].At.Before(history[j].At)
	})
	byRef := map[string][]HistoryEntry{}
	for _, h := range history {
		byRef[h.Ref.String()] = append(byRef[h.Ref.String()], h)
	}

	now := s.now()
	for _, n := range snap.Nodes {
		ref := domain.EntityRef{Kind: domain.KindNode, ID: n.ID}
		s.nodes[n.ID] = &record[domain.Node]{versions: rebuild(n, n.Version, n.ValidFrom, byRef[ref.String()],
			func(h HistoryEntry) (domain.Node, bool) {
				if h.PriorNode == nil {
					return domain.Node{}, false
				}
				return cloneNode(*h.PriorNode), true
			},
			func(p domain.Node) (int64, time.Time) { return p.Version, p.ValidFrom },
			now)}
	}
	for _, e := range snap.Edges {
		if s.nodes[e.SourceID] == nil || s.nodes[e.TargetID] == nil {
			s.logger.Warn("graph: restore: dangling edge skipped", "edge_id", e.ID)
			continue
		}
		ref := domain.EntityRef{Kind: domain.KindEdge, ID: e.ID}
		s.edges[e.ID] = &record[domain.Edge]{versions: rebuild(e, e.Version, e.ValidFrom, byRef[ref.String()],
			func(h HistoryEntry) (domain.Edge, bool) {
				if h.PriorEdge == nil {
					return domain.Edge{}, false
				}
				return cloneEdge(*h.PriorEdge), true
			},
			func(p domain.Edge) (int64, time.Time) { return p.Version, p.ValidFrom },
			now)}
		s.out[e.SourceID] = append(s.out[e.SourceID], e.ID)
		s.in[e.TargetID] = append(s.in[e.TargetID], e.ID)
	}
	for _, h := range history {
		key := h.Ref.String()
		s.history[key] = append(s.history[key], h)
		if structuralChange(h.ChangedFields) {
			s.structural[key]++
		}
	}
	s.logger.Info("graph: restored", "nodes", len(s.nodes), "edges", len(s.edges), "history", len(history))
	return nil
}

// rebuild orders an entity's versions oldest first: the prior snapshot of
// each history entry, then the current value. A version is recorded at the
// time of the entry that produced it, falling back to its valid_from, then
// to now. Recording times never decrease along the chain.
func rebuild[T any](cur T, curVersion int64, curFrom time.Time, hist []HistoryEntry,
	prior func(HistoryEntry) (T, bool), meta func(T) (int64, time.Time), now time.Time) []versioned[T] {
	produced := map[int64]time.Time{}
	for _, h := range hist {
		if _, ok := produced[h.Version]; !ok {
			produced[h.Version] = h.At
		}
	}
	recordedAt := func(version int64, from time.Time) time.Time {
		if t, ok := produced[version]; ok && !t.IsZero() {
			return t
		}
		if !from.IsZero() {
			return from
		}
		return now
	}

	var chain []versioned[T]
	seen := map[int64]bool{}
	for _, h := range hist {
		p, ok := prior(h)
		if !ok {
			continue
		}
		v, from := meta(p)
		if v >= curVersion || seen[v] {
			continue
		}
		seen[v] = true
		chain = append(chain, versioned[T]{value: p, recordedAt: recordedAt(v, from)})
	}
	chain = append(chain, versioned[T]{value: cur, recordedAt: recordedAt(curVersion, curFrom)})
	for i := 1; i < len(chain); i++ {
		if chain[i].recordedAt.Before(chain[i-1].recordedAt) {
			chain[i].recordedAt = chain[i-1].recordedAt
		}
	}
	return chain
}

// Import writes seed entities through the normal commit path, keeping a
// preset status (active when unset). Existing entities get a new version
// only when their content changed, so re-importing a catalog is a no-op, and
// moderation decisions taken since the last import survive it.
func (s *Store) Import(ctx context.Context, nodes []domain.Node, edges []domain.Edge, actor string) error {
	m := Mutation{Actor: actor, Reason: "seed import"}
	for _, n := range nodes {
		if err := s.importNode(ctx, n, m); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if err := s.importEdge(ctx, e, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) importNode(ctx context.Context, n domain.Node, m Mutation) error {
	if n.Status == "" {
		n.Status = domain.StatusActive
	}
	if err := domain.ValidateNode(n); err != nil {
		return fmt.Errorf("graph: import node %s: %w", n.ID, err)
	}
	ref := domain.EntityRef{Kind: domain.KindNode, ID: n.ID}
	unlock := s.lock(ref)
	defer unlock()

	now := s.now()
	next := cloneNode(n)
	if next.ValidFrom.IsZero() {
		next.ValidFrom = now
	}
	prior, exists := s.currentNode(n.ID)
	if !exists {
		next.Version = 1
		return s.commitNode(ctx, next, nil, m, []string{"created"}, now)
	}
	next.Version = prior.Version
	next.ValidFrom = prior.ValidFrom
	keepModeration(&next.Status, &next.ValidTo, prior.Status, prior.ValidTo)
	changed := changedFields(prior, next)
	if len(changed) == 0 {
		return nil
	}
	next.Version++
	return s.commitNode(ctx, next, &prior, m, changed, now)
}

func (s *Store) importEdge(ctx context.Context, e domain.Edge, m Mutation) error {
	if e.Status == "" {
		e.Status = domain.StatusActive
	}
	if e.WeightBase == 0 {
		e.WeightBase = 1
	}
	if err := domain.ValidateEdge(e); err != nil {
		return fmt.Errorf("graph: import edge %s: %w", e.ID, err)
	}
	ref := domain.EntityRef{Kind: domain.KindEdge, ID: e.ID}
	unlock := s.lock(ref)
	defer unlock()

	src, srcOK := s.currentNode(e.SourceID)
	dst, dstOK := s.currentNode(e.TargetID)
	if !srcOK || !dstOK {
		return fmt.Errorf("graph: import edge %s: %w", e.ID, domain.NewValidationError("endpoints", e.SourceID+"->"+e.TargetID, domain.ErrDanglingRef))
	}
	if err := domain.ValidateEdgeEndpoints(e, &src, &dst); err != nil {
		return fmt.Errorf("graph: import edge %s: %w", e.ID, err)
	}

	now := s.now()
	next := cloneEdge(e)
	if next.ValidFrom.IsZero() {
		next.ValidFrom = now
	}
	prior, exists := s.currentEdge(e.ID)
	if !exists {
		next.Version = 1
		next.Confidence = next.ConfidenceBase
		next.Weight = next.WeightBase
		return s.commitEdge(ctx, next, nil, m, []string{"created"}, now)
	}
	// Learned values survive a re-import.
	next.Version = prior.Version
	next.ValidFrom = prior.ValidFrom
	keepModeration(&next.Status, &next.ValidTo, prior.Status, prior.ValidTo)
	next.Confidence = prior.Confidence
	next.Weight = prior.Weight
	next.ConfidenceBase = prior.ConfidenceBase
	next.WeightBase = prior.WeightBase
	changed := changedFields(prior, next)
	if len(changed) == 0 {
		return nil
	}
	next.Version++
	return s.commitEdge(ctx, next, &prior, m, changed, now)
}

func keepModeration(status *domain.Status, validTo **time.Time, priorStatus domain.Status, priorTo *time.Time) {
	*status = priorStatus
	if *validTo == nil {
		*validTo = priorTo
	}
}

// ApplyReplicated installs an edge version committed and persisted by
// another process, such as a standalone learner. Versions at or below the
// local one are ignored and reported as false. Identity fields must match.
func (s *Store) ApplyReplicated(_ context.Context, e domain.Edge, m Mutation) (bool, error) {
	if err := domain.ValidateEdge(e); err != nil {
		return false, fmt.Errorf("graph: replicate edge %s: %w", e.ID, err)
	}
	unlock := s.lock(domain.EntityRef{Kind: domain.KindEdge, ID: e.ID})
	defer unlock()
	return s.replicateEdge(e, m)
}

// replicateEdge installs a newer durable edge version. Callers hold the
// edge's entity lock.
func (s *Store) replicateEdge(e domain.Edge, m Mutation) (bool, error) {
	ref := domain.EntityRef{Kind: domain.KindEdge, ID: e.ID}
	prior, ok := s.currentEdge(e.ID)
	if !ok {
		return false, domain.NewNotFound(domain.KindEdge, e.ID)
	}
	if e.Version <= prior.Version {
		return false, nil
	}
	if e.SourceID != prior.SourceID || e.TargetID != prior.TargetID || e.Type != prior.Type {
		return false, fmt.Errorf("graph: replicate edge %s: %w", e.ID,
			domain.NewValidationError("endpoints", e.SourceID+"->"+e.TargetID, domain.ErrImmutableField))
	}
	next := cloneEdge(e)
	h := newHistoryEntry(ref, next.Version, m, changedFields(prior, next), s.now())
	h.PriorEdge = &prior
	s.installEdge(next, h)
	return true, nil
}
