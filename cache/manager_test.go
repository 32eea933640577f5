package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)
}

func newTestManager(t *testing.T, b Backend, clock *fakeClock, maxItems int, maxSize int64) *Manager {
	m, err := NewManager(Config{
		Backend:      b,
		MaxItems:     maxItems,
		MaxSizeBytes: maxSize,
		URIScheme:    "fetchcache",
		Now:          clock.Now,
	})
	require.NoError(t, err)
	return m
}

func write(t *testing.T, m *Manager, url, query string, tier Tier, content string, ttl time.Duration) string {
	uri, err := m.Write(context.Background(), WriteRequest{
		SourceURL:   url,
		Query:       query,
		Tier:        tier,
		Content:     []byte(content),
		ContentType: "text/plain",
		TTL:         ttl,
	})
	require.NoError(t, err)
	return uri
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
	_, err = NewManager(Config{Backend: NewMemBackend(), MaxItems: -1})
	assert.Error(t, err)
}

func TestManagerWriteAndFind(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 0, 0)
		rawURI := write(t, m, "https://X.test/a", "", TierRaw, "<p>hi</p>", time.Hour)
		write(t, m, "https://x.test/a", "", TierCleaned, "hi", time.Hour)

		entries, err := m.FindByKey(ctx, "https://x.test/a", "")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, TierRaw, entries[0].Tier)
		assert.Equal(t, TierCleaned, entries[1].Tier)
		assert.Equal(t, rawURI, entries[0].URI)

		e, err := m.Read(ctx, rawURI)
		require.NoError(t, err)
		assert.Equal(t, "<p>hi</p>", string(e.Content))
		assert.Equal(t, "https://x.test/a", e.SourceURL)
	})
}

func TestManagerRejectsInvalidWrites(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, NewMemBackend(), clock, 0, 0)
	ctx := context.Background()
	_, err := m.Write(ctx, WriteRequest{SourceURL: "ftp://x.test/", Tier: TierRaw})
	assert.Error(t, err)
	_, err = m.Write(ctx, WriteRequest{SourceURL: "https://x.test/", Tier: "bogus"})
	assert.Error(t, err)
	_, err = m.Write(ctx, WriteRequest{SourceURL: "https://x.test/", Tier: TierRaw, TTL: -time.Second})
	assert.Error(t, err)
}

func TestManagerTTLExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 0, 0)
		uri := write(t, m, "https://x.test/ttl", "", TierRaw, "short lived", 1000*time.Millisecond)

		clock.Advance(999 * time.Millisecond)
		entries, err := m.FindByKey(ctx, "https://x.test/ttl", "")
		require.NoError(t, err)
		require.Len(t, entries, 1)

		clock.Advance(2 * time.Millisecond)
		entries, err = m.FindByKey(ctx, "https://x.test/ttl", "")
		require.NoError(t, err)
		assert.Empty(t, entries)

		_, err = m.Read(ctx, uri)
		assert.ErrorIs(t, err, ErrNotFound)
		count, err := b.ItemCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count, "expired entry was not removed")
	})
}

func TestManagerReadExpired(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, NewMemBackend(WithClock(clock.Now)), clock, 0, 0)
	uri := write(t, m, "https://x.test/ttl", "", TierRaw, "x", time.Second)
	clock.Advance(time.Second)
	_, err := m.Read(context.Background(), uri)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, NewMemBackend(WithClock(clock.Now)), clock, 0, 0)
	write(t, m, "https://x.test/forever", "", TierRaw, "x", 0)
	clock.Advance(24 * 365 * time.Hour)
	entries, err := m.FindByKey(context.Background(), "https://x.test/forever", "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManagerLRUEviction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 2, 0)
		write(t, m, "https://x.test/a", "", TierRaw, "A", 0)
		clock.Advance(time.Millisecond)
		write(t, m, "https://x.test/b", "", TierRaw, "B", 0)
		clock.Advance(time.Millisecond)
		write(t, m, "https://x.test/c", "", TierRaw, "C", 0)

		assertPresent(t, m, "https://x.test/a", false)
		assertPresent(t, m, "https://x.test/b", true)
		assertPresent(t, m, "https://x.test/c", true)
		stats, err := m.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Items)
	})
}

// Entries written in the same instant are evicted in write order,
// whatever their URLs sort like.
func TestManagerLRUEvictionSameInstant(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		m := newTestManager(t, b, clock, 2, 0)
		write(t, m, "https://x.test/z", "", TierRaw, "A", 0)
		write(t, m, "https://x.test/y", "", TierRaw, "B", 0)
		write(t, m, "https://x.test/x", "", TierRaw, "C", 0)

		assertPresent(t, m, "https://x.test/z", false)
		assertPresent(t, m, "https://x.test/y", true)
		assertPresent(t, m, "https://x.test/x", true)
	})
}

func TestManagerLRUUsesAccessTime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 2, 0)
		uriA := write(t, m, "https://x.test/a", "", TierRaw, "A", 0)
		clock.Advance(time.Millisecond)
		write(t, m, "https://x.test/b", "", TierRaw, "B", 0)
		clock.Advance(time.Millisecond)
		_, err := m.Read(ctx, uriA)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
		write(t, m, "https://x.test/c", "", TierRaw, "C", 0)

		assertPresent(t, m, "https://x.test/a", true)
		assertPresent(t, m, "https://x.test/b", false)
		assertPresent(t, m, "https://x.test/c", true)
	})
}

func TestManagerSizeLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 0, 10)
		write(t, m, "https://x.test/a", "", TierRaw, "aaaa", 0)
		clock.Advance(time.Millisecond)
		write(t, m, "https://x.test/b", "", TierRaw, "bbbb", 0)
		clock.Advance(time.Millisecond)
		write(t, m, "https://x.test/c", "", TierRaw, "cccc", 0)

		size, err := b.TotalSizeBytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(8), size)
		assertPresent(t, m, "https://x.test/a", false)
	})
}

func TestManagerKeepsOversizedNewestEntry(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, NewMemBackend(WithClock(clock.Now)), clock, 0, 4)
	write(t, m, "https://x.test/a", "", TierRaw, "aa", 0)
	clock.Advance(time.Millisecond)
	write(t, m, "https://x.test/big", "", TierRaw, "0123456789", 0)

	assertPresent(t, m, "https://x.test/a", false)
	assertPresent(t, m, "https://x.test/big", true)
}

func TestManagerEvictsExpiredFirst(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, NewMemBackend(WithClock(clock.Now)), clock, 2, 0)
	uriA := write(t, m, "https://x.test/a", "", TierRaw, "A", 0)
	clock.Advance(time.Millisecond)
	write(t, m, "https://x.test/b", "", TierRaw, "B", time.Second)
	clock.Advance(2 * time.Second)
	write(t, m, "https://x.test/c", "", TierRaw, "C", 0)

	_, err := m.Read(context.Background(), uriA)
	assert.NoError(t, err, "live entry evicted while an expired one was left")
}

func TestManagerKeyIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 0, 0)
		write(t, m, "https://x.test/a", "", TierRaw, "raw", 0)
		write(t, m, "https://x.test/a", "price", TierExtracted, "42", 0)
		write(t, m, "https://x.test/a", "title", TierExtracted, "Hello", 0)

		entries, err := m.FindByKey(ctx, "https://x.test/a", "price")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "42", string(entries[0].Content))

		entries, err = m.FindByKey(ctx, "https://x.test/a", "")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, TierRaw, entries[0].Tier)

		entries, err = m.FindByKey(ctx, "https://x.test/other", "")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestManagerSupersedesOlderEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 0, 0)
		first := write(t, m, "https://x.test/a", "", TierRaw, "v1", 0)
		clock.Advance(time.Millisecond)
		second := write(t, m, "https://x.test/a", "", TierRaw, "v2", 0)
		assert.NotEqual(t, first, second)

		entries, err := m.FindByKey(ctx, "https://x.test/a", "")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, second, entries[0].URI)
		_, err = m.Read(ctx, first)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestManagerInvalidate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 0, 0)
		write(t, m, "https://x.test/a", "", TierRaw, "raw", 0)
		write(t, m, "https://x.test/a", "", TierCleaned, "clean", 0)
		write(t, m, "https://x.test/a", "q", TierExtracted, "extracted", 0)

		require.NoError(t, m.Invalidate(ctx, "https://x.test/a", ""))
		assertPresent(t, m, "https://x.test/a", false)
		entries, err := m.FindByKey(ctx, "https://x.test/a", "q")
		require.NoError(t, err)
		assert.Len(t, entries, 1, "other queries must survive")
	})
}

func TestManagerInvalidateURL(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *fakeClock) {
		ctx := context.Background()
		m := newTestManager(t, b, clock, 0, 0)
		write(t, m, "https://x.test/a", "", TierRaw, "raw", 0)
		write(t, m, "https://x.test/a", "q", TierExtracted, "extracted", 0)
		write(t, m, "https://x.test/b", "", TierRaw, "other", 0)

		require.NoError(t, m.InvalidateURL(ctx, "https://x.test/a"))
		assertPresent(t, m, "https://x.test/a", false)
		entries, err := m.FindByKey(ctx, "https://x.test/a", "q")
		require.NoError(t, err)
		assert.Empty(t, entries)
		assertPresent(t, m, "https://x.test/b", true)
	})
}

func TestManagerInvalidURL(t *testing.T) {
	m := newTestManager(t, NewMemBackend(), newFakeClock(), 0, 0)
	_, err := m.FindByKey(context.Background(), "not a url", "")
	assert.Error(t, err)
}

func TestManagerSweep(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, NewMemBackend(WithClock(clock.Now)), clock, 0, 0)
	write(t, m, "https://x.test/a", "", TierRaw, "a", time.Second)
	write(t, m, "https://x.test/b", "", TierRaw, "b", time.Hour)
	clock.Advance(time.Minute)

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Items)
}

func TestManagerCleanupLoop(t *testing.T) {
	b := NewMemBackend()
	m, err := NewManager(Config{Backend: b})
	require.NoError(t, err)
	_, err = m.Write(context.Background(), WriteRequest{
		SourceURL: "https://x.test/a", Tier: TierRaw, Content: []byte("a"), TTL: time.Millisecond,
	})
	require.NoError(t, err)

	require.Error(t, m.StartCleanup(0))
	require.NoError(t, m.StartCleanup(5*time.Millisecond))
	require.Error(t, m.StartCleanup(5*time.Millisecond), "second loop must not start")
	defer m.StopCleanup()

	assert.Eventually(t, func() bool {
		count, err := b.ItemCount(context.Background())
		return err == nil && count == 0
	}, time.Second, 5*time.Millisecond)

	m.StopCleanup()
	m.StopCleanup()
}

type failingBackend struct {
	*MemBackend
}

func (f failingBackend) Put(ctx context.Context, entry Entry) error {
	return &BackendError{Op: "put", URI: entry.URI, Err: errors.New("disk full")}
}

func TestManagerWriteFailure(t *testing.T) {
	m := newTestManager(t, failingBackend{NewMemBackend()}, newFakeClock(), 0, 0)
	_, err := m.Write(context.Background(), WriteRequest{SourceURL: "https://x.test/a", Tier: TierRaw})
	var backendErr *BackendError
	assert.ErrorAs(t, err, &backendErr)
}

func assertPresent(t *testing.T, m *Manager, url string, present bool) {
	t.Helper()
	entries, err := m.FindByKey(context.Background(), url, "")
	require.NoError(t, err)
	if present {
		assert.NotEmpty(t, entries, "%s was evicted", url)
	} else {
		assert.Empty(t, entries, "%s is still cached", url)
	}
}
