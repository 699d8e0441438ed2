package reasoning

import (
	"context"

	"github.com/WessleyAI/wessley-diagnostics/engine/cache"
	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
)

// InvalidateOnChange returns a graph store listener that eagerly drops cached
// results depending on a changed entity or adjacency. Lookups still verify
// versions, so a missed notification only delays reclaiming the entry.
func InvalidateOnChange(c *cache.Cache[Result]) func(graph.Change) {
	return func(ch graph.Change) {
		keys := make([]string, 0, 1+len(ch.Adjacent))
		switch ch.Ref.Kind {
		case domain.KindNode:
			keys = append(keys, graph.NodeKey(ch.Ref.ID))
		case domain.KindEdge:
			keys = append(keys, graph.EdgeKey(ch.Ref.ID))
		}
		for _, id := range ch.Adjacent {
			keys = append(keys, graph.AdjacencyKey(id))
		}
		c.InvalidateByEntity(context.Background(), keys...)
	}
}

// DependencyKeys maps edge ids to the cache keys InvalidateByEntity expects.
func DependencyKeys(edgeIDs ...string) []string {
	keys := make([]string, len(edgeIDs))
	for i, id := range edgeIDs {
		keys[i] = graph.EdgeKey(id)
	}
	return keys
}
