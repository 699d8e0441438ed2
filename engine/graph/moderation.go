package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// transitions is the moderation state machine. Deprecated and rejected are
// terminal.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusPendingReview: {domain.StatusActive, domain.StatusRejected},
	domain.StatusActive:        {domain.StatusDeprecated},
}

// CanTransition reports whether from -> to is a legal moderation step.
func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Approve moves a pending entity to active.
func (s *Store) Approve(ctx context.Context, ref domain.EntityRef, actor, reason string) (int64, error) {
	return s.SetStatus(ctx, ref, domain.StatusActive, Mutation{Actor: actor, Reason: reason})
}

// Reject moves a pending entity to rejected. Rejecting a node also rejects
// its pending edges.
func (s *Store) Reject(ctx context.Context, ref domain.EntityRef, actor, reason string) (int64, error) {
	return s.SetStatus(ctx, ref, domain.StatusRejected, Mutation{Actor: actor, Reason: reason})
}

// Deprecate retires an active entity. The reason is mandatory.
func (s *Store) Deprecate(ctx context.Context, ref domain.EntityRef, actor, reason string) (int64, error) {
	return s.SetStatus(ctx, ref, domain.StatusDeprecated, Mutation{Actor: actor, Reason: reason})
}

// SetStatus applies a moderation transition and returns the entity version
// after it. Repeating the transition into the current status is a no-op.
func (s *Store) SetStatus(ctx context.Context, ref domain.EntityRef, to domain.Status, m Mutation) (int64, error) {
	if !domain.ValidStatuses[to] {
		return 0, domain.NewValidationError("status", string(to), domain.ErrInvalidStatus)
	}
	switch ref.Kind {
	case domain.KindNode:
		v, cascade, err := s.setNodeStatus(ctx, ref, to, m)
		if err != nil {
			return 0, err
		}
		for _, eid := range cascade {
			edgeRef := domain.EntityRef{Kind: domain.KindEdge, ID: eid}
			cm := Mutation{Actor: m.Actor, Reason: "endpoint " + ref.ID + " rejected"}
			if _, err := s.setEdgeStatus(ctx, edgeRef, domain.StatusRejected, cm); err != nil {
				s.logger.Warn("graph: cascade reject failed", "edge_id", eid, "err", err)
			}
		}
		return v, nil
	case domain.KindEdge:
		return s.setEdgeStatus(ctx, ref, to, m)
	}
	return 0, domain.NewValidationError("kind", string(ref.Kind), domain.ErrValidation)
}

func (s *Store) setNodeStatus(ctx context.Context, ref domain.EntityRef, to domain.Status, m Mutation) (int64, []string, error) {
	unlock := s.lock(ref)
	defer unlock()

	prior, ok := s.currentNode(ref.ID)
	if !ok {
		return 0, nil, domain.NewNotFound(ref.Kind, ref.ID)
	}
	if err := checkVersion(ref, m.ExpectedVersion, prior.Version); err != nil {
		return 0, nil, err
	}
	if prior.Status == to {
		return prior.Version, nil, nil
	}
	next := cloneNode(prior)
	if err := s.applyTransition(ref, prior.Status, to, &next.ValidTo, m); err != nil {
		return 0, nil, err
	}
	next.Status = to
	next.Version = prior.Version + 1
	if err := s.commitNode(ctx, next, &prior, m, changedFields(prior, next), s.now()); err != nil {
		return 0, nil, err
	}

	var cascade []string
	if to == domain.StatusRejected {
		s.mu.RLock()
		for _, eid := range append(append([]string(nil), s.out[ref.ID]...), s.in[ref.ID]...) {
			if s.edges[eid].current().Status == domain.StatusPendingReview {
				cascade = append(cascade, eid)
			}
		}
		s.mu.RUnlock()
	}
	return next.Version, cascade, nil
}

func (s *Store) setEdgeStatus(ctx context.Context, ref domain.EntityRef, to domain.Status, m Mutation) (int64, error) {
	unlock := s.lock(ref)
	defer unlock()

	prior, ok := s.currentEdge(ref.ID)
	if !ok {
		return 0, domain.NewNotFound(ref.Kind, ref.ID)
	}
	if err := checkVersion(ref, m.ExpectedVersion, prior.Version); err != nil {
		return 0, err
	}
	if prior.Status == to {
		return prior.Version, nil
	}
	next := cloneEdge(prior)
	if err := s.applyTransition(ref, prior.Status, to, &next.ValidTo, m); err != nil {
		return 0, err
	}
	if to == domain.StatusActive {
		for _, id := range []string{prior.SourceID, prior.TargetID} {
			if n, ok := s.currentNode(id); !ok || n.Status != domain.StatusActive {
				return 0, &domain.TransitionError{Ref: ref, From: prior.Status, To: to, Reason: "endpoint " + id + " is not active"}
			}
		}
	}
	next.Status = to
	next.Version = prior.Version + 1
	if err := s.commitEdge(ctx, next, &prior, m, changedFields(prior, next), s.now()); err != nil {
		return 0, err
	}
	return next.Version, nil
}

// applyTransition validates from -> to and adjusts the validity window.
func (s *Store) applyTransition(ref domain.EntityRef, from, to domain.Status, validTo **time.Time, m Mutation) error {
	if !CanTransition(from, to) {
		return &domain.TransitionError{Ref: ref, From: from, To: to}
	}
	now := s.now()
	switch to {
	case domain.StatusActive:
		if *validTo != nil && !(*validTo).After(now) {
			return &domain.TransitionError{Ref: ref, From: from, To: to, Reason: "validity window has closed"}
		}
	case domain.StatusDeprecated:
		if strings.TrimSpace(m.Reason) == "" {
			return fmt.Errorf("graph: deprecate %s: %w", ref, domain.NewValidationError("reason", "", domain.ErrMissingField))
		}
		if *validTo == nil || (*validTo).After(now) {
			t := now
			*validTo = &t
		}
	}
	return nil
}
