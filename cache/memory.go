package cache

import (
	"context"
	"iter"
	"sync"
	"time"
)

// MemBackend keeps entries in a map keyed by URI.
// Size and count are tracked incrementally.
type MemBackend struct {
	mutex *sync.RWMutex
	db    map[string]Entry
	size  int64
	now   func() time.Time
}

func NewMemBackend(opts ...Option) *MemBackend {
	o := newOptions(opts)
	return &MemBackend{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
		now:   o.now,
	}
}

func (m *MemBackend) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.Content = cloneBytes(entry.Content)
	entry.SizeBytes = int64(len(entry.Content))
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if old, ok := m.db[entry.URI]; ok {
		m.size -= old.SizeBytes
	}
	m.db[entry.URI] = entry
	m.size += entry.SizeBytes
	return nil
}

func (m *MemBackend) Get(ctx context.Context, uri string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry, ok := m.db[uri]
	if !ok {
		return Entry{}, ErrNotFound
	}
	entry.LastAccessAt = m.now()
	m.db[uri] = entry
	entry.Content = cloneBytes(entry.Content)
	return entry, nil
}

func (m *MemBackend) Delete(ctx context.Context, uri string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if old, ok := m.db[uri]; ok {
		m.size -= old.SizeBytes
		delete(m.db, uri)
	}
	return nil
}

// List snapshots the matching entries under the lock and yields them afterwards,
// so callers may delete while iterating.
func (m *MemBackend) List(ctx context.Context, filter Filter) iter.Seq2[Entry, error] {
	if err := ctx.Err(); err != nil {
		return errorSeq(err)
	}
	m.mutex.RLock()
	entries := make([]Entry, 0)
	for _, e := range m.db {
		if !filter.Match(e) {
			continue
		}
		if filter.WithoutContent {
			e.Content = nil
		} else {
			e.Content = cloneBytes(e.Content)
		}
		entries = append(entries, e)
	}
	m.mutex.RUnlock()
	return sliceSeq(entries)
}

func (m *MemBackend) TotalSizeBytes(ctx context.Context) (int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.size, nil
}

func (m *MemBackend) ItemCount(ctx context.Context) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db), nil
}

func (m *MemBackend) Close() error {
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
