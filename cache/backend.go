package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("cache entry not found")

// BackendError wraps an I/O failure of the storage medium.
type BackendError struct {
	Op  string
	URI string
	Err error
}

func (e *BackendError) Error() string {
	if e.URI == "" {
		return fmt.Sprintf("cache backend %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("cache backend %s %s: %s", e.Op, e.URI, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Backend is durable or volatile storage for cache entries.
// It has no business logic: expiry and eviction are decided by the Manager.
//
// Implementations must be thread-safe!
type Backend interface {
	// Put writes the entry, overwriting any entry with the same URI.
	// A concurrent Get never observes a partially written entry.
	Put(ctx context.Context, entry Entry) error
	// Get returns the entry for the URI, or ErrNotFound.
	// As a side effect it sets the entry's LastAccessAt to the current time.
	Get(ctx context.Context, uri string) (Entry, error)
	// Delete removes the entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, uri string) error
	// List yields the entries matched by the filter.
	// The sequence is finite and can only be consumed once.
	// It does not update access times.
	List(ctx context.Context, filter Filter) iter.Seq2[Entry, error]
	// TotalSizeBytes returns the summed SizeBytes of all entries.
	TotalSizeBytes(ctx context.Context) (int64, error)
	// ItemCount returns the number of stored entries.
	ItemCount(ctx context.Context) (int, error)
	// Close releases the resources held by the backend.
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used to stamp access times.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// errorSeq yields a single error.
func errorSeq(err error) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		yield(Entry{}, err)
	}
}

// sliceSeq yields the given entries.
func sliceSeq(entries []Entry) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}
