package query

import (
	"context"
	"errors"
)

// Result carries the outcome of a fallible fetch as a cacheable value. The
// error is kept as text so the result survives serialization.
type Result[T any] struct {
	Value T      `json:"value"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the fetch succeeded.
func (r Result[T]) OK() bool { return r.Error == "" }

// Err returns the fetch error, or nil.
func (r Result[T]) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// FromFallible adapts an error-returning fetch function into a Fetcher whose
// values record the error.
func FromFallible[K any, T any](fetch func(ctx context.Context, key K) (T, error)) Fetcher[K, Result[T]] {
	return func(ctx context.Context, key K) Result[T] {
		v, err := fetch(ctx, key)
		if err != nil {
			return Result[T]{Value: v, Error: err.Error()}
		}
		return Result[T]{Value: v}
	}
}
