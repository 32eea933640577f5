// Package strategy keeps the learned mapping from URL prefixes to the fetch
// strategy that last worked for them.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	cachekey "github.com/always-cache/fetch-cache/pkg/cache-key"
)

// ErrNotFound is returned by Lookup when no record exists for the prefix.
var ErrNotFound = errors.New("no strategy recorded for prefix")

// Record is one row of the strategy table.
type Record struct {
	Prefix    string    `json:"prefix"`
	Strategy  string    `json:"strategy"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store maps URL prefixes to preferred strategies.
// Implementations must be safe for concurrent use.
type Store interface {
	// Lookup returns the record for Prefix(url), or ErrNotFound.
	Lookup(ctx context.Context, url string) (Record, error)
	// Record upserts the strategy for Prefix(url). Recording the same
	// strategy and note again leaves the store unchanged.
	Record(ctx context.Context, url, strategy, note string) error
	// Put stores a record under its own prefix, e.g. for operator seeding.
	Put(ctx context.Context, r Record) error
	// All returns every record ordered by prefix.
	All(ctx context.Context) ([]Record, error)
}

// Prefix returns the URL with its final path segment removed:
// https://x.test/docs/a becomes https://x.test/docs/.
// Query and fragment are dropped. Applying Prefix to a prefix returns it unchanged.
func Prefix(rawURL string) (string, error) {
	norm, err := cachekey.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(norm, '?'); i >= 0 {
		norm = norm[:i]
	}
	host := strings.Index(norm, "://") + len("://")
	if !strings.Contains(norm[host:], "/") {
		return norm + "/", nil
	}
	return norm[:strings.LastIndexByte(norm, '/')+1], nil
}

// Option configures a store.
type Option func(*table)

// WithClock sets the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(t *table) { t.now = now }
}

// table is the in-memory state shared by all store implementations.
type table struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func newTable(opts []Option) *table {
	t := &table{records: make(map[string]Record), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *table) lookup(ctx context.Context, rawURL string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	prefix, err := Prefix(rawURL)
	if err != nil {
		return Record{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[prefix]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// upsert stores r and reports whether the table changed.
// The caller must hold the write lock.
func (t *table) upsert(r Record) (Record, bool, error) {
	if r.Strategy == "" {
		return Record{}, false, fmt.Errorf("strategy name cannot be empty")
	}
	prefix, err := Prefix(r.Prefix)
	if err != nil {
		return Record{}, false, err
	}
	r.Prefix = prefix
	if cur, ok := t.records[prefix]; ok && cur.Strategy == r.Strategy && cur.Note == r.Note {
		return cur, false, nil
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = t.now()
	}
	t.records[prefix] = r
	return r, true, nil
}

func (t *table) all(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sorted(), nil
}

// sorted returns the records ordered by prefix.
// The caller must hold the lock.
func (t *table) sorted() []Record {
	records := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Prefix < records[j].Prefix })
	return records
}

// MemStore is a Store kept in memory only.
type MemStore struct {
	t *table
}

func NewMemStore(opts ...Option) *MemStore {
	return &MemStore{t: newTable(opts)}
}

func (s *MemStore) Lookup(ctx context.Context, url string) (Record, error) {
	return s.t.lookup(ctx, url)
}

func (s *MemStore) Record(ctx context.Context, url, strategy, note string) error {
	return s.Put(ctx, Record{Prefix: url, Strategy: strategy, Note: note})
}

func (s *MemStore) Put(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	_, _, err := s.t.upsert(r)
	return err
}

func (s *MemStore) All(ctx context.Context) ([]Record, error) {
	return s.t.all(ctx)
}
