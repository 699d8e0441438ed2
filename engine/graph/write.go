package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// Mutation carries the audit context and optimistic version of a write.
// ExpectedVersion 0 skips the version check.
type Mutation struct {
	Actor           string
	Reason          string
	ExpectedVersion int64
}

func checkVersion(ref domain.EntityRef, expected, actual int64) error {
	if expected != 0 && expected != actual {
		return &domain.ConflictError{Ref: ref, Expected: expected, Actual: actual}
	}
	return nil
}

// activeMustBeValid enforces that an active entity's window has not closed.
func activeMustBeValid(ref domain.EntityRef, status domain.Status, validTo *time.Time, now time.Time) error {
	if status == domain.StatusActive && validTo != nil && !validTo.After(now) {
		return &domain.TransitionError{Ref: ref, From: status, To: status, Reason: "active entity must remain valid; deprecate instead"}
	}
	return nil
}

// UpsertNode creates a node in pending_review or appends a new version of an
// existing one. Status only changes through moderation, and the node type is
// immutable. A write that changes nothing is a no-op.
func (s *Store) UpsertNode(ctx context.Context, n domain.Node, m Mutation) (domain.Node, error) {
	if err := domain.ValidateNode(n); err != nil {
		return domain.Node{}, fmt.Errorf("graph: upsert node %s: %w", n.ID, err)
	}
	ref := domain.EntityRef{Kind: domain.KindNode, ID: n.ID}
	unlock := s.lock(ref)
	defer unlock()

	now := s.now()
	prior, exists := s.currentNode(n.ID)
	if !exists {
		if err := checkVersion(ref, m.ExpectedVersion, 0); err != nil {
			return domain.Node{}, err
		}
		next := cloneNode(n)
		next.Status = domain.StatusPendingReview
		next.Version = 1
		if next.ValidFrom.IsZero() {
			next.ValidFrom = now
		}
		if err := s.commitNode(ctx, next, nil, m, []string{"created"}, now); err != nil {
			return domain.Node{}, err
		}
		return cloneNode(next), nil
	}

	if err := checkVersion(ref, m.ExpectedVersion, prior.Version); err != nil {
		return domain.Node{}, err
	}
	if n.Type != prior.Type {
		return domain.Node{}, fmt.Errorf("graph: upsert node %s: %w", n.ID,
			domain.NewValidationError("type", string(n.Type), domain.ErrImmutableField))
	}
	next := cloneNode(n)
	next.Status = prior.Status
	next.Version = prior.Version
	if next.ValidFrom.IsZero() {
		next.ValidFrom = prior.ValidFrom
	}
	if err := activeMustBeValid(ref, next.Status, next.ValidTo, now); err != nil {
		return domain.Node{}, err
	}
	changed := changedFields(prior, next)
	if len(changed) == 0 {
		return prior, nil
	}
	next.Version = prior.Version + 1
	if err := s.commitNode(ctx, next, &prior, m, changed, now); err != nil {
		return domain.Node{}, err
	}
	return cloneNode(next), nil
}

// UpsertEdge creates an edge in pending_review or appends a new version of
// an existing one. Endpoints must exist, must not be rejected, and must have
// the node types the edge type requires. Endpoints, type and base values are
// immutable, and confidence and weight are only written by UpdateEdgeWeights.
func (s *Store) UpsertEdge(ctx context.Context, e domain.Edge, m Mutation) (domain.Edge, error) {
	if e.WeightBase == 0 {
		e.WeightBase = 1
	}
	if err := domain.ValidateEdge(e); err != nil {
		return domain.Edge{}, fmt.Errorf("graph: upsert edge %s: %w", e.ID, err)
	}
	ref := domain.EntityRef{Kind: domain.KindEdge, ID: e.ID}
	unlock := s.lock(ref)
	defer unlock()

	src, srcOK := s.currentNode(e.SourceID)
	dst, dstOK := s.currentNode(e.TargetID)
	var srcP, dstP *domain.Node
	if srcOK {
		srcP = &src
	}
	if dstOK {
		dstP = &dst
	}
	if err := domain.ValidateEdgeEndpoints(e, srcP, dstP); err != nil {
		return domain.Edge{}, fmt.Errorf("graph: upsert edge %s: %w", e.ID, err)
	}

	now := s.now()
	prior, exists := s.currentEdge(e.ID)
	if !exists {
		if err := checkVersion(ref, m.ExpectedVersion, 0); err != nil {
			return domain.Edge{}, err
		}
		next := cloneEdge(e)
		next.Status = domain.StatusPendingReview
		next.Version = 1
		next.Confidence = next.ConfidenceBase
		next.Weight = next.WeightBase
		if next.ValidFrom.IsZero() {
			next.ValidFrom = now
		}
		if err := s.commitEdge(ctx, next, nil, m, []string{"created"}, now); err != nil {
			return domain.Edge{}, err
		}
		return cloneEdge(next), nil
	}

	if err := checkVersion(ref, m.ExpectedVersion, prior.Version); err != nil {
		return domain.Edge{}, err
	}
	for field, same := range map[string]bool{
		"source_node_id":  e.SourceID == prior.SourceID,
		"target_node_id":  e.TargetID == prior.TargetID,
		"edge_type":       e.Type == prior.Type,
		"confidence_base": e.ConfidenceBase == prior.ConfidenceBase,
		"weight_base":     e.WeightBase == prior.WeightBase,
	} {
		if !same {
			return domain.Edge{}, fmt.Errorf("graph: upsert edge %s: %w", e.ID,
				domain.NewValidationError(field, "", domain.ErrImmutableField))
		}
	}
	next := cloneEdge(e)
	next.Status = prior.Status
	next.Version = prior.Version
	next.Confidence = prior.Confidence
	next.Weight = prior.Weight
	if next.ValidFrom.IsZero() {
		next.ValidFrom = prior.ValidFrom
	}
	if err := activeMustBeValid(ref, next.Status, next.ValidTo, now); err != nil {
		return domain.Edge{}, err
	}
	changed := changedFields(prior, next)
	if len(changed) == 0 {
		return prior, nil
	}
	next.Version = prior.Version + 1
	if err := s.commitEdge(ctx, next, &prior, m, changed, now); err != nil {
		return domain.Edge{}, err
	}
	return cloneEdge(next), nil
}

// UpdateEdgeWeights writes an edge's learned confidence and weight. It is the
// only writer of those fields and always requires the expected version.
func (s *Store) UpdateEdgeWeights(ctx context.Context, edgeID string, conf, weight float64, m Mutation) (domain.Edge, error) {
	if m.ExpectedVersion == 0 {
		return domain.Edge{}, fmt.Errorf("graph: update weights %s: %w", edgeID,
			domain.NewValidationError("expected_version", "0", domain.ErrMissingField))
	}
	ref := domain.EntityRef{Kind: domain.KindEdge, ID: edgeID}
	unlock := s.lock(ref)
	defer unlock()

	prior, ok := s.currentEdge(edgeID)
	if !ok {
		return domain.Edge{}, domain.NewNotFound(domain.KindEdge, edgeID)
	}
	if err := checkVersion(ref, m.ExpectedVersion, prior.Version); err != nil {
		return domain.Edge{}, err
	}
	next := cloneEdge(prior)
	next.Confidence = conf
	next.Weight = weight
	if err := domain.ValidateEdge(next); err != nil {
		return domain.Edge{}, fmt.Errorf("graph: update weights %s: %w", edgeID, err)
	}
	if conf < 0 || conf > 1 || weight < 0 || weight > 1 {
		return domain.Edge{}, fmt.Errorf("graph: update weights %s: %w", edgeID,
			domain.NewValidationError("confidence", fmt.Sprintf("%v/%v", conf, weight), domain.ErrOutOfRange))
	}
	changed := changedFields(prior, next)
	if len(changed) == 0 {
		return prior, nil
	}
	next.Version = prior.Version + 1
	if err := s.commitEdge(ctx, next, &prior, m, changed, s.now()); err != nil {
		return domain.Edge{}, err
	}
	return cloneEdge(next), nil
}

func (s *Store) currentNode(id string) (domain.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[id]
	if !ok {
		return domain.Node{}, false
	}
	return cloneNode(rec.current()), true
}

func (s *Store) currentEdge(id string) (domain.Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.edges[id]
	if !ok {
		return domain.Edge{}, false
	}
	return cloneEdge(rec.current()), true
}

// commitNode persists then publishes a new node version. Callers hold the
// node's entity lock. A structural change is reported as touching the node
// and every neighbour.
func (s *Store) commitNode(ctx context.Context, next domain.Node, prior *domain.Node, m Mutation, changed []string, at time.Time) error {
	ref := domain.EntityRef{Kind: domain.KindNode, ID: next.ID}
	h := newHistoryEntry(ref, next.Version, m, changed, at)
	h.PriorNode = prior
	if s.persister != nil {
		if err := s.persister.PersistNode(ctx, next, h); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				s.catchUpNode(ctx, next.ID)
			}
			return fmt.Errorf("graph: persist node %s: %w", next.ID, err)
		}
	}
	s.installNode(next, h)
	return nil
}

// installNode makes a committed node version visible and notifies listeners.
func (s *Store) installNode(next domain.Node, h HistoryEntry) {
	s.mu.Lock()
	rec, ok := s.nodes[next.ID]
	if !ok {
		rec = &record[domain.Node]{}
		s.nodes[next.ID] = rec
	}
	rec.versions = append(rec.versions, versioned[domain.Node]{value: next, recordedAt: h.At})
	s.history[h.Ref.String()] = append(s.history[h.Ref.String()], h)
	var adjacent []string
	if structuralChange(h.ChangedFields) {
		s.structural[h.Ref.String()]++
		adjacent = s.neighbourhood(next.ID)
	}
	s.mu.Unlock()

	s.logger.Debug("graph: node committed", "node_id", next.ID, "version", next.Version, "actor", h.Actor)
	s.notify(Change{Ref: h.Ref, Version: next.Version, Adjacent: adjacent})
}

// commitEdge persists then publishes a new edge version. Callers hold the
// edge's entity lock.
func (s *Store) commitEdge(ctx context.Context, next domain.Edge, prior *domain.Edge, m Mutation, changed []string, at time.Time) error {
	ref := domain.EntityRef{Kind: domain.KindEdge, ID: next.ID}
	h := newHistoryEntry(ref, next.Version, m, changed, at)
	h.PriorEdge = prior
	if s.persister != nil {
		if err := s.persister.PersistEdge(ctx, next, h); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				s.catchUpEdge(ctx, next.ID)
			}
			return fmt.Errorf("graph: persist edge %s: %w", next.ID, err)
		}
	}
	s.installEdge(next, h)
	return nil
}

// installEdge makes a committed edge version visible and notifies listeners.
func (s *Store) installEdge(next domain.Edge, h HistoryEntry) {
	s.mu.Lock()
	rec, ok := s.edges[next.ID]
	if !ok {
		rec = &record[domain.Edge]{}
		s.edges[next.ID] = rec
		s.out[next.SourceID] = append(s.out[next.SourceID], next.ID)
		s.in[next.TargetID] = append(s.in[next.TargetID], next.ID)
	}
	rec.versions = append(rec.versions, versioned[domain.Edge]{value: next, recordedAt: h.At})
	s.history[h.Ref.String()] = append(s.history[h.Ref.String()], h)
	var adjacent []string
	if structuralChange(h.ChangedFields) {
		s.structural[h.Ref.String()]++
		adjacent = []string{next.SourceID, next.TargetID}
	}
	s.mu.Unlock()

	s.logger.Debug("graph: edge committed", "edge_id", next.ID, "version", next.Version, "actor", h.Actor)
	s.notify(Change{Ref: h.Ref, Version: next.Version, Adjacent: adjacent})
}

// structuralFields change what a traversal can reach. Everything else,
// learned weights included, leaves adjacency versions alone.
var structuralFields = map[string]bool{
	"created":          true,
	"status":           true,
	"valid_from":       true,
	"valid_to":         true,
	"is_bidirectional": true,
}

func structuralChange(changed []string) bool {
	for _, f := range changed {
		if structuralFields[f] {
			return true
		}
	}
	return false
}

// neighbourhood lists id and every node sharing an edge with it. Callers
// hold mu.
func (s *Store) neighbourhood(id string) []string {
	touched := []string{id}
	for _, eid := range s.incident(id) {
		touched = append(touched, s.edges[eid].current().Other(id))
	}
	return touched
}

func (s *Store) incident(id string) []string {
	return append(append([]string(nil), s.out[id]...), s.in[id]...)
}

// adjacencyVersion sums the structural change counts of a node, its edges
// and its neighbours. Every term comes from persisted history, so stores
// restored from the same mirror agree on it. Callers hold mu.
func (s *Store) adjacencyVersion(id string) int64 {
	if _, ok := s.nodes[id]; !ok {
		return 0
	}
	v := s.structural[domain.EntityRef{Kind: domain.KindNode, ID: id}.String()]
	for _, eid := range s.incident(id) {
		v += s.structural[domain.EntityRef{Kind: domain.KindEdge, ID: eid}.String()]
		v += s.structural[domain.EntityRef{Kind: domain.KindNode, ID: s.edges[eid].current().Other(id)}.String()]
	}
	return v
}

// Loader reads single entities back from durable storage. A Persister that
// implements it lets the store catch up after another process wrote a newer
// version.
type Loader interface {
	LoadNode(ctx context.Context, id string) (domain.Node, error)
	LoadEdge(ctx context.Context, id string) (domain.Edge, error)
}

var catchUpMutation = Mutation{Actor: "durable-store", Reason: "newer version written by another process"}

// catchUpNode installs the durable version of a node when it is ahead of
// the local one. Callers hold the node's entity lock.
func (s *Store) catchUpNode(ctx context.Context, id string) {
	l, ok := s.persister.(Loader)
	if !ok {
		return
	}
	n, err := l.LoadNode(ctx, id)
	if err != nil {
		s.logger.Warn("graph: catch up failed", "node_id", id, "err", err)
		return
	}
	prior, exists := s.currentNode(id)
	if exists && n.Version <= prior.Version {
		return
	}
	ref := domain.EntityRef{Kind: domain.KindNode, ID: id}
	changed := []string{"created"}
	var p *domain.Node
	if exists {
		changed, p = changedFields(prior, n), &prior
	}
	h := newHistoryEntry(ref, n.Version, catchUpMutation, changed, s.now())
	h.PriorNode = p
	s.installNode(cloneNode(n), h)
}

// catchUpEdge is catchUpNode for edges.
func (s *Store) catchUpEdge(ctx context.Context, id string) {
	l, ok := s.persister.(Loader)
	if !ok {
		return
	}
	e, err := l.LoadEdge(ctx, id)
	if err != nil {
		s.logger.Warn("graph: catch up failed", "edge_id", id, "err", err)
		return
	}
	if _, err := s.replicateEdge(e, catchUpMutation); err != nil {
		s.logger.Warn("graph: catch up failed", "edge_id", id, "err", err)
	}
}
