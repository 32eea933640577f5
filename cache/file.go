package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	serializer "github.com/always-cache/fetch-cache/pkg/entry-serializer"
)

const (
	fileExt     = ".entry"
	tempDirName = ".tmp"
	maxSlugLen  = 64
)

type fileMeta struct {
	name       string
	header     serializer.Header
	lastAccess time.Time
}

// FileBackend stores one file per entry below a root directory.
// Each file holds a JSON header line followed by the content. Writes go
// through a temporary file and a rename, so readers see whole entries only.
// The last access time is kept as the file modification time.
type FileBackend struct {
	root    string
	tempDir string
	mu      sync.RWMutex
	index   map[string]*fileMeta
	size    int64
	now     func() time.Time
}

// NewFileBackend opens (or creates) a file backend rooted at dir.
// Existing entries are indexed by reading their headers.
func NewFileBackend(dir string, opts ...Option) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("root directory cannot be empty")
	}
	o := newOptions(opts)
	b := &FileBackend{
		root:    dir,
		tempDir: filepath.Join(dir, tempDirName),
		index:   make(map[string]*fileMeta),
		now:     o.now,
	}
	if err := os.MkdirAll(b.tempDir, 0o755); err != nil {
		return nil, &BackendError{Op: "open", Err: err}
	}
	if err := b.load(); err != nil {
		return nil, &BackendError{Op: "open", Err: err}
	}
	return b, nil
}

func (b *FileBackend) load() error {
	// leftovers from interrupted writes
	temps, err := os.ReadDir(b.tempDir)
	if err != nil {
		return err
	}
	for _, t := range temps {
		_ = os.Remove(filepath.Join(b.tempDir, t.Name()))
	}

	files, err := os.ReadDir(b.root)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), fileExt) {
			continue
		}
		meta, err := b.readMeta(f.Name())
		if err != nil {
			// unreadable files are not part of the cache
			continue
		}
		if old, ok := b.index[meta.header.URI]; ok {
			b.size -= old.header.SizeBytes
		}
		b.index[meta.header.URI] = meta
		b.size += meta.header.SizeBytes
	}
	return nil
}

func (b *FileBackend) readMeta(name string) (*fileMeta, error) {
	path := filepath.Join(b.root, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := serializer.DecodeHeader(f)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &fileMeta{name: name, header: h, lastAccess: info.ModTime()}, nil
}

func (b *FileBackend) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := serializer.Header{
		URI:             entry.URI,
		Tier:            string(entry.Tier),
		SourceURL:       entry.SourceURL,
		ExtractionQuery: entry.ExtractionQuery,
		ContentType:     entry.ContentType,
		CreatedAt:       entry.CreatedAt,
		TTLMs:           entry.TTL.Milliseconds(),
	}
	data, err := serializer.Encode(h, entry.Content)
	if err != nil {
		return &BackendError{Op: "put", URI: entry.URI, Err: err}
	}
	h.SizeBytes = int64(len(entry.Content))
	lastAccess := entry.LastAccessAt
	if lastAccess.IsZero() {
		lastAccess = entry.CreatedAt
	}

	tmp, err := b.writeTemp(data, lastAccess)
	if err != nil {
		return &BackendError{Op: "put", URI: entry.URI, Err: err}
	}

	name := fileName(h)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Rename(tmp, filepath.Join(b.root, name)); err != nil {
		_ = os.Remove(tmp)
		return &BackendError{Op: "put", URI: entry.URI, Err: err}
	}
	if old, ok := b.index[entry.URI]; ok {
		b.size -= old.header.SizeBytes
		if old.name != name {
			_ = os.Remove(filepath.Join(b.root, old.name))
		}
	}
	b.index[entry.URI] = &fileMeta{name: name, header: h, lastAccess: lastAccess}
	b.size += h.SizeBytes
	return nil
}

func (b *FileBackend) writeTemp(data []byte, mtime time.Time) (string, error) {
	f, err := os.CreateTemp(b.tempDir, "entry-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chtimes(name, mtime, mtime); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func (b *FileBackend) Get(ctx context.Context, uri string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	meta, ok := b.index[uri]
	if !ok {
		return Entry{}, ErrNotFound
	}
	path := filepath.Join(b.root, meta.name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		b.size -= meta.header.SizeBytes
		delete(b.index, uri)
		return Entry{}, ErrNotFound
	} else if err != nil {
		return Entry{}, &BackendError{Op: "get", URI: uri, Err: err}
	}
	h, body, err := serializer.Decode(data)
	if err != nil {
		return Entry{}, &BackendError{Op: "get", URI: uri, Err: err}
	}
	now := b.now()
	if err := os.Chtimes(path, now, now); err != nil {
		return Entry{}, &BackendError{Op: "get", URI: uri, Err: err}
	}
	meta.lastAccess = now
	e := headerToEntry(h, now)
	e.Content = body
	return e, nil
}

func (b *FileBackend) Delete(ctx context.Context, uri string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta, ok := b.index[uri]
	if !ok {
		return nil
	}
	err := os.Remove(filepath.Join(b.root, meta.name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &BackendError{Op: "delete", URI: uri, Err: err}
	}
	b.size -= meta.header.SizeBytes
	delete(b.index, uri)
	return nil
}

// List reads entry content lazily, one file per yielded entry.
// Entries deleted while iterating are skipped.
func (b *FileBackend) List(ctx context.Context, filter Filter) iter.Seq2[Entry, error] {
	if err := ctx.Err(); err != nil {
		return errorSeq(err)
	}
	type listed struct {
		name  string
		entry Entry
	}
	b.mu.RLock()
	snapshot := make([]listed, 0)
	for _, meta := range b.index {
		e := headerToEntry(meta.header, meta.lastAccess)
		if filter.Match(e) {
			snapshot = append(snapshot, listed{name: meta.name, entry: e})
		}
	}
	b.mu.RUnlock()

	return func(yield func(Entry, error) bool) {
		for _, l := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			e := l.entry
			if !filter.WithoutContent {
				data, err := os.ReadFile(filepath.Join(b.root, l.name))
				if errors.Is(err, fs.ErrNotExist) {
					continue
				} else if err != nil {
					if !yield(Entry{}, &BackendError{Op: "list", URI: e.URI, Err: err}) {
						return
					}
					continue
				}
				_, body, err := serializer.Decode(data)
				if err != nil {
					if !yield(Entry{}, &BackendError{Op: "list", URI: e.URI, Err: err}) {
						return
					}
					continue
				}
				e.Content = body
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (b *FileBackend) TotalSizeBytes(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size, nil
}

func (b *FileBackend) ItemCount(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index), nil
}

func (b *FileBackend) Close() error {
	return nil
}

func headerToEntry(h serializer.Header, lastAccess time.Time) Entry {
	return Entry{
		URI:             h.URI,
		Tier:            Tier(h.Tier),
		SourceURL:       h.SourceURL,
		ExtractionQuery: h.ExtractionQuery,
		ContentType:     h.ContentType,
		CreatedAt:       h.CreatedAt,
		TTL:             h.TTL(),
		LastAccessAt:    lastAccess,
		SizeBytes:       h.SizeBytes,
	}
}

// fileName embeds tier, source url and creation time, plus a hash of the uri
// to keep names unique.
func fileName(h serializer.Header) string {
	sum := sha256.Sum256([]byte(h.URI))
	return fmt.Sprintf("%s_%s_%d_%s%s",
		h.Tier, slug(h.SourceURL), h.CreatedAt.UnixMilli(), hex.EncodeToString(sum[:6]), fileExt)
}

func slug(s string) string {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
		if sb.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(sb.String(), "-")
}
