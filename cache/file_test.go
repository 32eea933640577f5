package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock()

	b, err := NewFileBackend(dir, WithClock(clock.Now))
	require.NoError(t, err)
	e := testEntry("fetchcache://raw/1", "https://x.test/a", "", TierRaw, "persisted", clock.Now())
	require.NoError(t, b.Put(ctx, e))
	clock.Advance(time.Minute)
	_, err = b.Get(ctx, e.URI)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := NewFileBackend(dir, WithClock(clock.Now))
	require.NoError(t, err)
	count, err := reopened.ItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	size, err := reopened.TotalSizeBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len("persisted")), size)

	for listed, err := range reopened.List(ctx, Filter{WithoutContent: true}) {
		require.NoError(t, err)
		assert.True(t, listed.LastAccessAt.Equal(clock.Now()), "access time not persisted: %s", listed.LastAccessAt)
	}
	got, err := reopened.Get(ctx, e.URI)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got.Content))
}

func TestFileBackendIgnoresGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.entry"), []byte("not a header"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, tempDirName), 0o755))
	leftover := filepath.Join(dir, tempDirName, "entry-123")
	require.NoError(t, os.WriteFile(leftover, []byte("half"), 0o644))

	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	count, err := b.ItemCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err), "temporary file was not cleaned up")
}

func TestFileBackendMissingFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	e := testEntry("fetchcache://raw/1", "https://x.test/a", "", TierRaw, "gone", time.Now())
	require.NoError(t, b.Put(ctx, e))

	matches, err := filepath.Glob(filepath.Join(dir, "*"+fileExt))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NoError(t, os.Remove(matches[0]))

	_, err = b.Get(ctx, e.URI)
	assert.ErrorIs(t, err, ErrNotFound)
	for range b.List(ctx, Filter{}) {
		t.Fatal("removed file still listed")
	}
}
