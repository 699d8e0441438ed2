package fn

// Result carries a value or the error that prevented it.
type Result[T any] struct {
	val T
	err error
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] { return Result[T]{val: v} }

// Err wraps an error.
func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// FromPair adapts a (value, error) return.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Result[T]{err: err}
	}
	return Result[T]{val: v}
}

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Collect gathers the values of results, or fails with the error of the
// first failed one.
func Collect[T any](results []Result[T]) Result[[]T] {
	vals := make([]T, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			return Result[[]T]{err: r.err}
		}
		vals = append(vals, r.val)
	}
	return Result[[]T]{val: vals}
}
