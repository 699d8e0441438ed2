package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/pkg/repo"
	"github.com/WessleyAI/wessley-diagnostics/pkg/resilience"
)

const (
	nodeLabel    = "DiagNode"
	historyLabel = "DiagHistory"
	restorePage  = 500
)

// Neo4jPersister mirrors the store to Neo4j: nodes as :DiagNode, edges as
// typed relationships, history as :DiagHistory. Every write runs in one
// transaction behind a circuit breaker.
type Neo4jPersister struct {
	opener  repo.SessionOpener
	nodes   *repo.Neo4jRepo[domain.Node, string]
	history *repo.Neo4jRepo[HistoryEntry, string]
	breaker *resilience.Breaker
}

// NewNeo4jPersister creates a persister. A nil breaker uses the defaults
// with MirrorFailure.
func NewNeo4jPersister(opener repo.SessionOpener, breaker *resilience.Breaker) *Neo4jPersister {
	if breaker == nil {
		opts := resilience.DefaultBreakerOpts
		opts.Name = "neo4j"
		opts.IsFailure = MirrorFailure
		breaker = resilience.NewBreaker(opts)
	}
	return &Neo4jPersister{
		opener:  opener,
		nodes:   repo.NewNeo4jRepo[domain.Node, string](opener, nodeLabel, nodeToMap, nodeFromProps),
		history: repo.NewNeo4jRepo[HistoryEntry, string](opener, historyLabel, historyToMap, historyFromProps),
		breaker: breaker,
	}
}

// EnsureSchema creates the uniqueness constraints the persister relies on.
func (p *Neo4jPersister) EnsureSchema(ctx context.Context) error {
	sess := p.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	for _, c := range []string{
		`CREATE CONSTRAINT diag_node_id IF NOT EXISTS FOR (n:DiagNode) REQUIRE n.id IS UNIQUE`,
		`CREATE CONSTRAINT diag_history_id IF NOT EXISTS FOR (h:DiagHistory) REQUIRE h.id IS UNIQUE`,
	} {
		if _, err := sess.Run(ctx, c, nil); err != nil {
			return fmt.Errorf("graph: neo4j schema: %w", err)
		}
	}
	return nil
}

// MirrorFailure counts errors against the Neo4j breaker. Version conflicts
// and validation failures mean the mirror answered, so they do not count.
func MirrorFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, domain.ErrVersionConflict) && !errors.Is(err, domain.ErrValidation)
}

// Writes only land when the mirrored version is the one the new version
// follows. The statement always returns the mirrored version so a stale
// write can be reported as a conflict.
var (
	nodeWriteCypher = fmt.Sprintf(
		`MERGE (n:%s {id: $id})
		 ON CREATE SET n.version = 0
		 WITH n, coalesce(n.version, 0) AS current
		 FOREACH (_ IN CASE WHEN current = $expected THEN [1] ELSE [] END | SET n = $props)
		 RETURN current`, nodeLabel)

	edgeWriteCypher = `MATCH (a:%s {id: $from}), (b:%s {id: $to})
		 MERGE (a)-[r:%s {id: $id}]->(b)
		 ON CREATE SET r.version = 0
		 WITH r, coalesce(r.version, 0) AS current
		 FOREACH (_ IN CASE WHEN current = $expected THEN [1] ELSE [] END | SET r = $props)
		 RETURN current`
)

// PersistNode implements Persister. A mirror that moved past the node's
// prior version fails with a *domain.ConflictError.
func (p *Neo4jPersister) PersistNode(ctx context.Context, n domain.Node, h HistoryEntry) error {
	ref := domain.EntityRef{Kind: domain.KindNode, ID: n.ID}
	return p.breaker.Call(ctx, func(ctx context.Context) error {
		sess := p.opener.OpenSession(ctx)
		defer sess.Close(ctx)
		_, err := sess.ExecuteWrite(ctx, func(tx repo.Runner) (any, error) {
			params := map[string]any{"id": n.ID, "props": nodeToMap(n)}
			if err := guardedWrite(ctx, tx, ref, nodeWriteCypher, params, n.Version); err != nil {
				return nil, err
			}
			return nil, p.history.UpsertTx(ctx, tx, h)
		})
		return err
	})
}

// PersistEdge implements Persister with the same version guard as
// PersistNode. Both endpoints must already be mirrored.
func (p *Neo4jPersister) PersistEdge(ctx context.Context, e domain.Edge, h HistoryEntry) error {
	ref := domain.EntityRef{Kind: domain.KindEdge, ID: e.ID}
	return p.breaker.Call(ctx, func(ctx context.Context) error {
		sess := p.opener.OpenSession(ctx)
		defer sess.Close(ctx)
		_, err := sess.ExecuteWrite(ctx, func(tx repo.Runner) (any, error) {
			cypher := fmt.Sprintf(edgeWriteCypher, nodeLabel, nodeLabel, sanitizeRelType(string(e.Type)))
			params := map[string]any{
				"from":  e.SourceID,
				"to":    e.TargetID,
				"id":    e.ID,
				"props": edgeToMap(e),
			}
			if err := guardedWrite(ctx, tx, ref, cypher, params, e.Version); err != nil {
				return nil, err
			}
			return nil, p.history.UpsertTx(ctx, tx, h)
		})
		return err
	})
}

// guardedWrite runs a version-guarded write of version next and checks the
// mirrored version it reports. Returning an error rolls the transaction back.
func guardedWrite(ctx context.Context, tx repo.Runner, ref domain.EntityRef, cypher string, params map[string]any, next int64) error {
	expected := next - 1
	params["expected"] = expected
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return fmt.Errorf("graph: neo4j %s: %w", ref, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return fmt.Errorf("graph: neo4j %s: %w", ref, err)
		}
		return fmt.Errorf("graph: neo4j %s: %w", ref,
			domain.NewValidationError("endpoints", ref.ID, domain.ErrDanglingRef))
	}
	raw, _ := res.Record().Get("current")
	if actual := asInt64(raw); actual != expected {
		return &domain.ConflictError{Ref: ref, Expected: expected, Actual: actual}
	}
	return nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// LoadNode reads one mirrored node.
func (p *Neo4jPersister) LoadNode(ctx context.Context, id string) (domain.Node, error) {
	n, err := p.nodes.Get(ctx, id)
	if err != nil {
		return domain.Node{}, fmt.Errorf("graph: neo4j load node %s: %w", id, err)
	}
	return n, nil
}

// LoadEdge reads one mirrored edge.
func (p *Neo4jPersister) LoadEdge(ctx context.Context, id string) (domain.Edge, error) {
	sess := p.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, fmt.Sprintf(
		`MATCH (:%s)-[r {id: $id}]->(:%s) RETURN properties(r) AS n`, nodeLabel, nodeLabel),
		map[string]any{"id": id})
	if err != nil {
		return domain.Edge{}, fmt.Errorf("graph: neo4j load edge %s: %w", id, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return domain.Edge{}, fmt.Errorf("graph: neo4j load edge %s: %w", id, err)
		}
		return domain.Edge{}, domain.NewNotFound(domain.KindEdge, id)
	}
	raw, _ := res.Record().Get("n")
	props, ok := raw.(map[string]any)
	if !ok {
		return domain.Edge{}, fmt.Errorf("graph: neo4j load edge %s: unexpected %T", id, raw)
	}
	return edgeFromProps(repo.Props(props))
}

// Load reads the mirrored graph back as a snapshot for Store.Restore.
func (p *Neo4jPersister) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Nodes, err = listAll(ctx, p.nodes); err != nil {
		return Snapshot{}, err
	}
	if snap.History, err = listAll(ctx, p.history); err != nil {
		return Snapshot{}, err
	}

	sess := p.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, fmt.Sprintf(
		`MATCH (:%s)-[r]->(:%s) WHERE r.id IS NOT NULL RETURN properties(r) AS n ORDER BY r.id`,
		nodeLabel, nodeLabel), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("graph: neo4j load edges: %w", err)
	}
	for res.Next(ctx) {
		raw, _ := res.Record().Get("n")
		props, ok := raw.(map[string]any)
		if !ok {
			return Snapshot{}, fmt.Errorf("graph: neo4j load edges: unexpected %T", raw)
		}
		e, err := edgeFromProps(repo.Props(props))
		if err != nil {
			return Snapshot{}, err
		}
		snap.Edges = append(snap.Edges, e)
	}
	if err := res.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("graph: neo4j load edges: %w", err)
	}
	return snap, nil
}

func listAll[T any](ctx context.Context, r *repo.Neo4jRepo[T, string]) ([]T, error) {
	var all []T
	for offset := 0; ; offset += restorePage {
		page, err := r.List(ctx, repo.ListOpts{Offset: offset, Limit: restorePage})
		if err != nil {
			return nil, fmt.Errorf("graph: neo4j load %s: %w", r.Label(), err)
		}
		all = append(all, page...)
		if len(page) < restorePage {
			return all, nil
		}
	}
}

// sanitizeRelType converts an edge type to a valid Neo4j relationship type
// (uppercase, underscores only).
func sanitizeRelType(t string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(t) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "RELATED_TO"
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// nodeAttrs is the JSON-encoded variant payload. Neo4j properties cannot
// hold nested maps.
type nodeAttrs struct {
	Observable *domain.ObservableAttrs `json:"observable,omitempty"`
	Fault      *domain.FaultAttrs      `json:"fault,omitempty"`
	Action     *domain.ActionAttrs     `json:"action,omitempty"`
	Part       *domain.PartAttrs       `json:"part,omitempty"`
	Extensions map[string]string       `json:"extensions,omitempty"`
}

func nodeToMap(n domain.Node) map[string]any {
	aliases := n.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	return map[string]any{
		"id":              n.ID,
		"type":            string(n.Type),
		"label":           n.Label,
		"category":        n.Category,
		"aliases":         aliases,
		"confidence_base": n.ConfidenceBase,
		"dtc_code":        n.DTCCode(),
		"attrs":           mustJSON(nodeAttrs{n.Observable, n.Fault, n.Action, n.Part, n.Extensions}),
		"status":          string(n.Status),
		"version":         n.Version,
		"valid_from":      formatTime(n.ValidFrom),
		"valid_to":        formatTimePtr(n.ValidTo),
	}
}

func nodeFromProps(p repo.Props) (domain.Node, error) {
	n := domain.Node{
		ID:             p.Str("id"),
		Type:           domain.NodeType(p.Str("type")),
		Label:          p.Str("label"),
		Category:       p.Str("category"),
		Aliases:        p.Strings("aliases"),
		ConfidenceBase: p.Float("confidence_base"),
		Status:         domain.Status(p.Str("status")),
		Version:        p.Int("version"),
		ValidFrom:      parseTime(p.Str("valid_from")),
		ValidTo:        parseTimePtr(p.Str("valid_to")),
	}
	if raw := p.Str("attrs"); raw != "" {
		var a nodeAttrs
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return domain.Node{}, fmt.Errorf("graph: node %s attrs: %w", n.ID, err)
		}
		n.Observable, n.Fault, n.Action, n.Part, n.Extensions = a.Observable, a.Fault, a.Action, a.Part, a.Extensions
	}
	return n, nil
}

func edgeToMap(e domain.Edge) map[string]any {
	return map[string]any{
		"id":               e.ID,
		"source_node_id":   e.SourceID,
		"target_node_id":   e.TargetID,
		"edge_type":        string(e.Type),
		"weight_base":      e.WeightBase,
		"weight":           e.Weight,
		"confidence_base":  e.ConfidenceBase,
		"confidence":       e.Confidence,
		"is_bidirectional": e.Bidirectional,
		"evidence":         mustJSON(e.Evidence),
		"sources":          append([]string{}, e.Sources...),
		"status":           string(e.Status),
		"version":          e.Version,
		"valid_from":       formatTime(e.ValidFrom),
		"valid_to":         formatTimePtr(e.ValidTo),
	}
}

func edgeFromProps(p repo.Props) (domain.Edge, error) {
	e := domain.Edge{
		ID:             p.Str("id"),
		SourceID:       p.Str("source_node_id"),
		TargetID:       p.Str("target_node_id"),
		Type:           domain.EdgeType(p.Str("edge_type")),
		WeightBase:     p.Float("weight_base"),
		Weight:         p.Float("weight"),
		ConfidenceBase: p.Float("confidence_base"),
		Confidence:     p.Float("confidence"),
		Bidirectional:  p.Bool("is_bidirectional"),
		Sources:        p.Strings("sources"),
		Status:         domain.Status(p.Str("status")),
		Version:        p.Int("version"),
		ValidFrom:      parseTime(p.Str("valid_from")),
		ValidTo:        parseTimePtr(p.Str("valid_to")),
	}
	if raw := p.Str("evidence"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Evidence); err != nil {
			return domain.Edge{}, fmt.Errorf("graph: edge %s evidence: %w", e.ID, err)
		}
	}
	return e, nil
}

func historyToMap(h HistoryEntry) map[string]any {
	prior := ""
	switch {
	case h.PriorNode != nil:
		prior = mustJSON(h.PriorNode)
	case h.PriorEdge != nil:
		prior = mustJSON(h.PriorEdge)
	}
	changed := h.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	return map[string]any{
		"id":             h.ID,
		"kind":           string(h.Ref.Kind),
		"entity_id":      h.Ref.ID,
		"version":        h.Version,
		"prior":          prior,
		"changed_fields": changed,
		"actor":          h.Actor,
		"reason":         h.Reason,
		"at":             formatTime(h.At),
	}
}

func historyFromProps(p repo.Props) (HistoryEntry, error) {
	h := HistoryEntry{
		ID:            p.Str("id"),
		Ref:           domain.EntityRef{Kind: domain.EntityKind(p.Str("kind")), ID: p.Str("entity_id")},
		Version:       p.Int("version"),
		ChangedFields: p.Strings("changed_fields"),
		Actor:         p.Str("actor"),
		Reason:        p.Str("reason"),
		At:            parseTime(p.Str("at")),
	}
	if raw := p.Str("prior"); raw != "" {
		var err error
		switch h.Ref.Kind {
		case domain.KindNode:
			h.PriorNode = new(domain.Node)
			err = json.Unmarshal([]byte(raw), h.PriorNode)
		case domain.KindEdge:
			h.PriorEdge = new(domain.Edge)
			err = json.Unmarshal([]byte(raw), h.PriorEdge)
		}
		if err != nil {
			return HistoryEntry{}, fmt.Errorf("graph: history %s prior: %w", h.ID, err)
		}
	}
	return h, nil
}
