package graph

import (
	"context"
	"fmt"
)

// NodeCounts returns mirrored node counts grouped by node type.
func (p *Neo4jPersister) NodeCounts(ctx context.Context) (map[string]int64, error) {
	return p.counts(ctx, fmt.Sprintf(`MATCH (n:%s) RETURN n.type AS type, count(*) AS count`, nodeLabel))
}

// RelationshipCounts returns mirrored edge counts grouped by relationship type.
func (p *Neo4jPersister) RelationshipCounts(ctx context.Context) (map[string]int64, error) {
	return p.counts(ctx, fmt.Sprintf(`MATCH (:%s)-[r]->(:%s) RETURN type(r) AS type, count(*) AS count`, nodeLabel, nodeLabel))
}

func (p *Neo4jPersister) counts(ctx context.Context, cypher string) (map[string]int64, error) {
	sess := p.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: neo4j counts: %w", err)
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("graph: neo4j counts: %w", err)
	}
	return counts, nil
}
