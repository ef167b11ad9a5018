package query

import (
	"fmt"
	"time"
)

// Status is the lifecycle stage of a cache entry.
type Status int

const (
	// StatusCreated means no data has ever been fetched.
	StatusCreated Status = iota
	// StatusLoading means the first fetch is in flight.
	StatusLoading
	// StatusFetching means a refetch is in flight and the previous data is still servable.
	StatusFetching
	// StatusLoaded means the last fetch completed.
	StatusLoaded
	// StatusInvalid means data is present but must be refetched on next active use.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusLoading:
		return "loading"
	case StatusFetching:
		return "fetching"
	case StatusLoaded:
		return "loaded"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Data is a fetched value paired with the time it was produced.
type Data[V any] struct {
	Value     V
	UpdatedAt time.Time
}

// NewData pairs a value with its production time.
func NewData[V any](value V, updatedAt time.Time) Data[V] {
	return Data[V]{Value: value, UpdatedAt: updatedAt}
}

// State is the value-level state of one cache entry. The zero value is the
// Created state. Only Fetching, Loaded and Invalid carry Data.
type State[V any] struct {
	status Status
	data   Data[V]
}

// Created returns the initial state.
func Created[V any]() State[V] { return State[V]{status: StatusCreated} }

// Loading returns the first-fetch-in-flight state.
func Loading[V any]() State[V] { return State[V]{status: StatusLoading} }

// Fetching returns a refetch-in-flight state retaining the previous data.
func Fetching[V any](data Data[V]) State[V] { return State[V]{status: StatusFetching, data: data} }

// Loaded returns a completed state.
func Loaded[V any](data Data[V]) State[V] { return State[V]{status: StatusLoaded, data: data} }

// Invalid returns a state whose data must be refetched on next active use.
func Invalid[V any](data Data[V]) State[V] { return State[V]{status: StatusInvalid, data: data} }

// Status returns the variant of the state.
func (s State[V]) Status() Status { return s.status }

// HasData reports whether the variant carries data.
func (s State[V]) HasData() bool {
	switch s.status {
	case StatusFetching, StatusLoaded, StatusInvalid:
		return true
	default:
		return false
	}
}

// Data returns the payload if the variant carries one.
func (s State[V]) Data() (V, bool) {
	if !s.HasData() {
		var zero V
		return zero, false
	}
	return s.data.Value, true
}

// QueryData returns the payload together with its timestamp.
func (s State[V]) QueryData() (Data[V], bool) {
	if !s.HasData() {
		return Data[V]{}, false
	}
	return s.data, true
}

// UpdatedAt returns the time the carried data was produced.
func (s State[V]) UpdatedAt() (time.Time, bool) {
	if !s.HasData() {
		return time.Time{}, false
	}
	return s.data.UpdatedAt, true
}

// withData replaces the payload, keeping the variant. States without data
// become Loaded.
func (s State[V]) withData(data Data[V]) State[V] {
	if !s.HasData() {
		return Loaded(data)
	}
	return State[V]{status: s.status, data: data}
}

func (s State[V]) String() string {
	if !s.HasData() {
		return s.status.String()
	}
	return fmt.Sprintf("%s(%v)", s.status, s.data.Value)
}

// MapState transforms the carried value, preserving the variant.
func MapState[V, W any](s State[V], f func(V) W) State[W] {
	if !s.HasData() {
		return State[W]{status: s.status}
	}
	return State[W]{
		status: s.status,
		data:   Data[W]{Value: f(s.data.Value), UpdatedAt: s.data.UpdatedAt},
	}
}
