// Package repo provides a generic Neo4j-backed repository and the session
// seam every Neo4j caller in the module goes through, so tests can swap the
// driver for in-memory fakes.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic keyed store.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) error
}

// ListOpts controls pagination and filtering for List operations. Filter
// keys are property names matched for equality.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
