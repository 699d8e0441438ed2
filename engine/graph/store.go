// Package graph is the canonical store for the diagnosis knowledge graph: an
// arena of versioned nodes and edges addressed by opaque id, with temporal
// validity, moderation status, full history, and point-in-time reads.
//
// Every write appends a new immutable version under a per-entity lock and an
// optimistic version check; readers always observe whole versions.
package graph

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// Store holds the versioned arena.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string]*record[domain.Node]
	edges   map[string]*record[domain.Edge]
	out     map[string][]string // source node -> edge ids
	in      map[string][]string // target node -> edge ids
	history map[string][]HistoryEntry

	// structural counts the history entries of each entity that changed
	// what a traversal can reach, keyed by EntityRef.String().
	structural map[string]int64

	locks sync.Map // EntityRef.String() -> *sync.Mutex

	persister Persister
	lmu       sync.RWMutex
	listeners []func(Change)

	now    func() time.Time
	logger *slog.Logger
}

// record keeps every version of one entity, oldest first.
type record[T any] struct {
	versions []versioned[T]
}

type versioned[T any] struct {
	value      T
	recordedAt time.Time
}

func (r *record[T]) current() T { return r.versions[len(r.versions)-1].value }

// at returns the version that was current at t.
func (r *record[T]) at(t time.Time) (T, bool) {
	i := sort.Search(len(r.versions), func(i int) bool { return r.versions[i].recordedAt.After(t) })
	if i == 0 {
		var zero T
		return zero, false
	}
	return r.versions[i-1].value, true
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithPersister mirrors every write to p before it commits.
func WithPersister(p Persister) Option { return func(s *Store) { s.persister = p } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		nodes:      make(map[string]*record[domain.Node]),
		edges:      make(map[string]*record[domain.Edge]),
		out:        make(map[string][]string),
		in:         make(map[string][]string),
		history:    make(map[string][]HistoryEntry),
		structural: make(map[string]int64),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// ReadOption adjusts read visibility.
type ReadOption func(*readOpts)

type readOpts struct {
	asOf            time.Time
	includeInactive bool
}

// AsOf reads the graph as it was recorded at t, with validity evaluated at t.
func AsOf(t time.Time) ReadOption { return func(o *readOpts) { o.asOf = t } }

// IncludeInactive disables the status and validity filters.
func IncludeInactive() ReadOption { return func(o *readOpts) { o.includeInactive = true } }

func (s *Store) resolve(opts []ReadOption) (readOpts, time.Time) {
	var o readOpts
	for _, fn := range opts {
		fn(&o)
	}
	if o.asOf.IsZero() {
		return o, s.now()
	}
	return o, o.asOf
}

// Change describes a committed write.
type Change struct {
	Ref      domain.EntityRef
	Version  int64
	Adjacent []string
}

// OnChange registers fn to run after each committed write.
func (s *Store) OnChange(fn func(Change)) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.lmu.Unlock()
}

func (s *Store) notify(c Change) {
	s.lmu.RLock()
	ls := s.listeners
	s.lmu.RUnlock()
	for _, fn := range ls {
		fn(c)
	}
}

func (s *Store) lock(ref domain.EntityRef) func() {
	m, _ := s.locks.LoadOrStore(ref.String(), &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// nodeAt returns the node version visible under o at t. Callers hold mu.
func (s *Store) nodeAt(id string, o readOpts, t time.Time) (domain.Node, bool) {
	rec, ok := s.nodes[id]
	if !ok {
		return domain.Node{}, false
	}
	var n domain.Node
	if o.asOf.IsZero() {
		n = rec.current()
	} else if n, ok = rec.at(o.asOf); !ok {
		return domain.Node{}, false
	}
	if !o.includeInactive && (n.Status != domain.StatusActive || !n.ValidAt(t)) {
		return domain.Node{}, false
	}
	return n, true
}

// edgeAt returns the edge version visible under o at t. An edge is only
// visible when both endpoints are. Callers hold mu.
func (s *Store) edgeAt(id string, o readOpts, t time.Time) (domain.Edge, bool) {
	rec, ok := s.edges[id]
	if !ok {
		return domain.Edge{}, false
	}
	var e domain.Edge
	if o.asOf.IsZero() {
		e = rec.current()
	} else if e, ok = rec.at(o.asOf); !ok {
		return domain.Edge{}, false
	}
	if o.includeInactive {
		return e, true
	}
	if e.Status != domain.StatusActive || !e.ValidAt(t) {
		return domain.Edge{}, false
	}
	if _, ok := s.nodeAt(e.SourceID, o, t); !ok {
		return domain.Edge{}, false
	}
	if _, ok := s.nodeAt(e.TargetID, o, t); !ok {
		return domain.Edge{}, false
	}
	return e, true
}

// GetNode returns a node. Unknown and invisible ids are NotFound.
func (s *Store) GetNode(_ context.Context, id string, opts ...ReadOption) (domain.Node, error) {
	o, t := s.resolve(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodeAt(id, o, t)
	if !ok {
		return domain.Node{}, domain.NewNotFound(domain.KindNode, id)
	}
	return cloneNode(n), nil
}

// GetEdge returns an edge. Unknown and invisible ids are NotFound.
func (s *Store) GetEdge(_ context.Context, id string, opts ...ReadOption) (domain.Edge, error) {
	o, t := s.resolve(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edgeAt(id, o, t)
	if !ok {
		return domain.Edge{}, domain.NewNotFound(domain.KindEdge, id)
	}
	return cloneEdge(e), nil
}

// OutgoingEdges lists edges traversable from nodeID, including bidirectional
// edges that point at it. An empty edgeType matches every type. The result
// is ordered by edge id.
func (s *Store) OutgoingEdges(_ context.Context, nodeID string, edgeType domain.EdgeType, opts ...ReadOption) ([]domain.Edge, error) {
	return s.adjacent(nodeID, edgeType, s.out, s.in, opts)
}

// IncomingEdges lists edges arriving at nodeID, including bidirectional
// edges that leave it. Ordering matches OutgoingEdges.
func (s *Store) IncomingEdges(_ context.Context, nodeID string, edgeType domain.EdgeType, opts ...ReadOption) ([]domain.Edge, error) {
	return s.adjacent(nodeID, edgeType, s.in, s.out, opts)
}

func (s *Store) adjacent(nodeID string, edgeType domain.EdgeType, primary, reverse map[string][]string, opts []ReadOption) ([]domain.Edge, error) {
	o, t := s.resolve(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return nil, domain.NewNotFound(domain.KindNode, nodeID)
	}

	var edges []domain.Edge
	collect := func(ids []string, needBidi bool) {
		for _, id := range ids {
			e, ok := s.edgeAt(id, o, t)
			if !ok || (needBidi && !e.Bidirectional) {
				continue
			}
			if edgeType != "" && e.Type != edgeType {
				continue
			}
			edges = append(edges, cloneEdge(e))
		}
	}
	collect(primary[nodeID], false)
	collect(reverse[nodeID], true)
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges, nil
}

// Nodes lists visible nodes of one type (all types when empty), by id.
func (s *Store) Nodes(_ context.Context, nodeType domain.NodeType, opts ...ReadOption) []domain.Node {
	o, t := s.resolve(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var nodes []domain.Node
	for id := range s.nodes {
		n, ok := s.nodeAt(id, o, t)
		if !ok || (nodeType != "" && n.Type != nodeType) {
			continue
		}
		nodes = append(nodes, cloneNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Edges lists visible edges of one type (all types when empty), by id.
func (s *Store) Edges(_ context.Context, edgeType domain.EdgeType, opts ...ReadOption) []domain.Edge {
	o, t := s.resolve(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var edges []domain.Edge
	for id := range s.edges {
		e, ok := s.edgeAt(id, o, t)
		if !ok || (edgeType != "" && e.Type != edgeType) {
			continue
		}
		edges = append(edges, cloneEdge(e))
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges
}

// NodesByDTC lists visible nodes carrying the given trouble code.
func (s *Store) NodesByDTC(ctx context.Context, code string, opts ...ReadOption) []domain.Node {
	code = domain.NormalizeDTC(code)
	var matched []domain.Node
	for _, n := range s.Nodes(ctx, "", opts...) {
		if n.DTCCode() != "" && domain.NormalizeDTC(n.DTCCode()) == code {
			matched = append(matched, n)
		}
	}
	return matched
}

// Version keys accepted by EntityVersion.
const (
	nodeKeyPrefix = "node:"
	edgeKeyPrefix = "edge:"
	adjKeyPrefix  = "adj:"
)

// NodeKey, EdgeKey and AdjacencyKey build EntityVersion keys.
func NodeKey(id string) string      { return nodeKeyPrefix + id }
func EdgeKey(id string) string      { return edgeKeyPrefix + id }
func AdjacencyKey(id string) string { return adjKeyPrefix + id }

// EntityVersion returns the current version behind key, or 0 when the entity
// does not exist. Adjacency versions grow whenever the node, an edge touching
// it, or a neighbour is created or changes status, validity or direction.
// Learned weight updates leave them alone.
func (s *Store) EntityVersion(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case len(key) > len(nodeKeyPrefix) && key[:len(nodeKeyPrefix)] == nodeKeyPrefix:
		if rec, ok := s.nodes[key[len(nodeKeyPrefix):]]; ok {
			return rec.current().Version
		}
	case len(key) > len(edgeKeyPrefix) && key[:len(edgeKeyPrefix)] == edgeKeyPrefix:
		if rec, ok := s.edges[key[len(edgeKeyPrefix):]]; ok {
			return rec.current().Version
		}
	case len(key) > len(adjKeyPrefix) && key[:len(adjKeyPrefix)] == adjKeyPrefix:
		return s.adjacencyVersion(key[len(adjKeyPrefix):])
	}
	return 0
}

// History returns every recorded mutation of ref, oldest first.
func (s *Store) History(_ context.Context, ref domain.EntityRef) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.exists(ref) {
		return nil, domain.NewNotFound(ref.Kind, ref.ID)
	}
	h := s.history[ref.String()]
	out := make([]HistoryEntry, len(h))
	copy(out, h)
	return out, nil
}

func (s *Store) exists(ref domain.EntityRef) bool {
	switch ref.Kind {
	case domain.KindNode:
		_, ok := s.nodes[ref.ID]
		return ok
	case domain.KindEdge:
		_, ok := s.edges[ref.ID]
		return ok
	}
	return false
}

// Stats reports arena sizes.
type Stats struct {
	Nodes   int `json:"nodes"`
	Edges   int `json:"edges"`
	History int `json:"history"`
}

// Stats returns arena sizes, counting every entity regardless of status.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Nodes: len(s.nodes), Edges: len(s.edges)}
	for _, h := range s.history {
		st.History += len(h)
	}
	return st
}
