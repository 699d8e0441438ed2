package repo

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

var propName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Neo4jRepo is a generic Neo4j-backed repository for one node label.
type Neo4jRepo[T any, ID comparable] struct {
	opener    SessionOpener
	label     string
	idKey     string
	toMap     func(T) map[string]any
	fromProps func(Props) (T, error)
}

// Props are the properties of one node as handed to decoders.
type Props map[string]any

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.idKey = key }
}

// NewNeo4jRepo creates a new Neo4j-backed repository.
func NewNeo4jRepo[T any, ID comparable](
	opener SessionOpener,
	label string,
	toMap func(T) map[string]any,
	fromProps func(Props) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		opener:    opener,
		label:     label,
		idKey:     "id",
		toMap:     toMap,
		fromProps: fromProps,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Compile-time interface check.
var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

// Label returns the node label the repository manages.
func (r *Neo4jRepo[T, ID]) Label() string { return r.label }

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sess := r.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN properties(n) AS n", r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return zero, fmt.Errorf("repo: get %s: %w", r.label, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return zero, fmt.Errorf("repo: get %s: %w", r.label, err)
		}
		return zero, fmt.Errorf("repo: get %s %v: %w", r.label, id, ErrNotFound)
	}
	return r.decode(res)
}

func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	sess := r.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	params := map[string]any{"offset": opts.Offset, "limit": limit}

	where := ""
	keys := make([]string, 0, len(opts.Filter))
	for k := range opts.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if !propName.MatchString(k) {
			return nil, fmt.Errorf("repo: list %s: invalid filter key %q", r.label, k)
		}
		if i == 0 {
			where = " WHERE "
		} else {
			where += " AND "
		}
		p := fmt.Sprintf("f%d", i)
		where += fmt.Sprintf("n.%s = $%s", k, p)
		params[p] = opts.Filter[k]
	}

	cypher := fmt.Sprintf("MATCH (n:%s)%s RETURN properties(n) AS n ORDER BY n.%s SKIP $offset LIMIT $limit",
		r.label, where, r.idKey)
	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.label, err)
	}

	var items []T
	for res.Next(ctx) {
		item, err := r.decode(res)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.label, err)
	}
	return items, nil
}

// Upsert merges the entity by id and replaces its properties.
func (r *Neo4jRepo[T, ID]) Upsert(ctx context.Context, entity T) error {
	sess := r.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	return r.UpsertTx(ctx, sess, entity)
}

// UpsertTx is Upsert on an existing session or transaction.
func (r *Neo4jRepo[T, ID]) UpsertTx(ctx context.Context, tx Runner, entity T) error {
	props := r.toMap(entity)
	cypher := fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n = $props", r.label, r.idKey)
	if _, err := tx.Run(ctx, cypher, map[string]any{"id": props[r.idKey], "props": props}); err != nil {
		return fmt.Errorf("repo: upsert %s: %w", r.label, err)
	}
	return nil
}

func (r *Neo4jRepo[T, ID]) decode(res Result) (T, error) {
	var zero T
	raw, ok := res.Record().Get("n")
	if !ok {
		return zero, fmt.Errorf("repo: %s: record has no n", r.label)
	}
	props, ok := raw.(map[string]any)
	if !ok {
		return zero, fmt.Errorf("repo: %s: unexpected record type %T", r.label, raw)
	}
	return r.fromProps(Props(props))
}

// Str reads a string property.
func (p Props) Str(key string) string {
	s, _ := p[key].(string)
	return s
}

// Float reads a numeric property as float64.
func (p Props) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Int reads an integer property.
func (p Props) Int(key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// Bool reads a boolean property.
func (p Props) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Strings reads a list-of-strings property.
func (p Props) Strings(key string) []string {
	if ss, ok := p[key].([]string); ok {
		if len(ss) == 0 {
			return nil
		}
		return append([]string(nil), ss...)
	}
	raw, _ := p[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
