package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/always-cache/fetch-cache/metrics"
	cachekey "github.com/always-cache/fetch-cache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Storage for cache entries.
	Backend Backend
	// MaxSizeBytes bounds the summed size of all entries. Zero means unlimited.
	MaxSizeBytes int64
	// MaxItems bounds the number of entries. Zero means unlimited.
	MaxItems int
	// URIScheme is the scheme of generated entry URIs.
	URIScheme string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to record. Optional.
	Metrics *metrics.Metrics
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager computes cache keys, enforces expiry and size limits and exposes
// tiered reads and writes on top of a Backend. It is the only place where
// eviction is decided.
type Manager struct {
	backend  Backend
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	maxSize  int64
	maxItems int

	// serializes eviction scans
	evictMu sync.Mutex

	cleanupMu   sync.Mutex
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// WriteRequest describes one tier of content to store.
type WriteRequest struct {
	SourceURL   string
	Query       string
	Tier        Tier
	Content     []byte
	ContentType string
	// TTL of the entry. Zero means it never expires.
	TTL time.Duration
}

// Stats is a snapshot of the cache accounting.
type Stats struct {
	Items        int   `json:"items"`
	SizeBytes    int64 `json:"sizeBytes"`
	MaxItems     int   `json:"maxItems"`
	MaxSizeBytes int64 `json:"maxSizeBytes"`
}

func NewManager(config Config) (*Manager, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("cache backend is required")
	}
	if config.MaxSizeBytes < 0 || config.MaxItems < 0 {
		return nil, fmt.Errorf("cache limits cannot be negative")
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		backend:  config.Backend,
		keyer:    cachekey.NewCacheKeyer(config.URIScheme, now),
		log:      logger.With().Str("component", "cache").Logger(),
		metrics:  config.Metrics,
		now:      now,
		maxSize:  config.MaxSizeBytes,
		maxItems: config.MaxItems,
	}, nil
}

// FindByKey returns the newest live entry of each tier stored for the key,
// ordered raw, cleaned, extracted. Expired entries are deleted on sight.
func (m *Manager) FindByKey(ctx context.Context, sourceURL, query string) ([]Entry, error) {
	norm, err := cachekey.NormalizeURL(sourceURL)
	if err != nil {
		return nil, err
	}
	now := m.now()
	newest := make(map[Tier]Entry)
	expired := 0
	for e, err := range m.backend.List(ctx, Filter{SourceURL: norm, ExtractionQuery: Query(query)}) {
		if err != nil {
			return nil, err
		}
		if e.Expired(now) {
			if err := m.backend.Delete(ctx, e.URI); err != nil {
				return nil, err
			}
			expired++
			continue
		}
		if cur, ok := newest[e.Tier]; !ok || m.newer(e, cur) {
			newest[e.Tier] = e
		}
	}
	if expired > 0 {
		m.log.Trace().Str("url", norm).Int("expired", expired).Msg("Removed expired entries")
		m.metrics.Expired(expired)
	}
	entries := make([]Entry, 0, len(newest))
	for _, e := range newest {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Tier.order() < entries[j].Tier.order()
	})
	return entries, nil
}

// Read returns the entry with the given URI and marks it as accessed.
// Expired entries are deleted and reported as ErrNotFound.
func (m *Manager) Read(ctx context.Context, uri string) (Entry, error) {
	e, err := m.backend.Get(ctx, uri)
	if err != nil {
		return Entry{}, err
	}
	if e.Expired(m.now()) {
		if err := m.backend.Delete(ctx, uri); err != nil {
			return Entry{}, err
		}
		m.metrics.Expired(1)
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Write stores the content and returns the URI of the new entry.
// Older entries for the same key and tier are superseded. If the cache is
// over its limits afterwards, least recently accessed entries are evicted;
// the entry just written is never evicted by its own write.
func (m *Manager) Write(ctx context.Context, req WriteRequest) (string, error) {
	norm, err := cachekey.NormalizeURL(req.SourceURL)
	if err != nil {
		return "", err
	}
	if _, err := ParseTier(string(req.Tier)); err != nil {
		return "", err
	}
	if req.TTL < 0 {
		return "", fmt.Errorf("ttl cannot be negative")
	}
	now := m.now()
	entry := Entry{
		URI:             m.keyer.NewURI(string(req.Tier), norm, req.Query),
		Tier:            req.Tier,
		SourceURL:       norm,
		ExtractionQuery: req.Query,
		Content:         req.Content,
		ContentType:     req.ContentType,
		CreatedAt:       now,
		TTL:             req.TTL,
		LastAccessAt:    now,
		SizeBytes:       int64(len(req.Content)),
	}
	if err := m.backend.Put(ctx, entry); err != nil {
		m.metrics.CacheWrite(string(req.Tier), err)
		return "", err
	}
	m.metrics.CacheWrite(string(req.Tier), nil)
	m.log.Trace().Str("uri", entry.URI).Dur("ttl", entry.TTL).Int64("size", entry.SizeBytes).Msg("Cache write")

	m.supersede(ctx, entry)

	if err := m.enforceLimits(ctx, entry.URI); err != nil {
		return entry.URI, fmt.Errorf("enforce cache limits: %w", err)
	}
	return entry.URI, nil
}

// supersede removes older entries for the same key and tier.
// Failures are only logged; FindByKey never returns superseded entries anyway.
func (m *Manager) supersede(ctx context.Context, entry Entry) {
	filter := Filter{
		SourceURL:       entry.SourceURL,
		ExtractionQuery: Query(entry.ExtractionQuery),
		Tier:            entry.Tier,
		WithoutContent:  true,
	}
	for old, err := range m.backend.List(ctx, filter) {
		if err != nil {
			m.log.Warn().Err(err).Str("uri", entry.URI).Msg("Could not list superseded entries")
			return
		}
		if old.URI == entry.URI || !m.newer(entry, old) {
			continue
		}
		if err := m.backend.Delete(ctx, old.URI); err != nil {
			m.log.Warn().Err(err).Str("uri", old.URI).Msg("Could not delete superseded entry")
		}
	}
}

func (m *Manager) withinLimits(count int, size int64) bool {
	if m.maxItems > 0 && count > m.maxItems {
		return false
	}
	if m.maxSize > 0 && size > m.maxSize {
		return false
	}
	return true
}

// enforceLimits evicts entries until count and size are within limits.
// Expired entries go first, then live entries by last access time ascending.
func (m *Manager) enforceLimits(ctx context.Context, keep string) error {
	if m.maxItems <= 0 && m.maxSize <= 0 {
		return nil
	}
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	count, err := m.backend.ItemCount(ctx)
	if err != nil {
		return err
	}
	size, err := m.backend.TotalSizeBytes(ctx)
	if err != nil {
		return err
	}
	if m.withinLimits(count, size) {
		return nil
	}

	now := m.now()
	candidates := make([]Entry, 0, count)
	for e, err := range m.backend.List(ctx, Filter{WithoutContent: true}) {
		if err != nil {
			return err
		}
		if e.URI != keep {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ae, be := a.Expired(now), b.Expired(now); ae != be {
			return ae
		}
		if !a.LastAccessAt.Equal(b.LastAccessAt) {
			return a.LastAccessAt.Before(b.LastAccessAt)
		}
		return !m.newer(a, b)
	})

	evicted, expired := 0, 0
	for _, e := range candidates {
		if m.withinLimits(count, size) {
			break
		}
		if err := m.backend.Delete(ctx, e.URI); err != nil {
			return err
		}
		count--
		size -= e.SizeBytes
		if e.Expired(now) {
			expired++
		} else {
			evicted++
		}
		m.log.Trace().Str("uri", e.URI).Time("lastAccess", e.LastAccessAt).Msg("Evicted entry")
	}
	m.metrics.Evicted(evicted)
	m.metrics.Expired(expired)
	if !m.withinLimits(count, size) {
		m.log.Warn().Int("items", count).Int64("size", size).Str("uri", keep).
			Msg("Cache still over limits, only the newest entry is left")
	} else {
		m.log.Debug().Int("evicted", evicted).Int("expired", expired).Msg("Enforced cache limits")
	}
	return nil
}

// Invalidate deletes every tier stored for the key, regardless of expiry.
func (m *Manager) Invalidate(ctx context.Context, sourceURL, query string) error {
	norm, err := cachekey.NormalizeURL(sourceURL)
	if err != nil {
		return err
	}
	return m.deleteAll(ctx, Filter{SourceURL: norm, ExtractionQuery: Query(query), WithoutContent: true})
}

// InvalidateURL deletes every entry of the URL, whatever its query.
func (m *Manager) InvalidateURL(ctx context.Context, sourceURL string) error {
	norm, err := cachekey.NormalizeURL(sourceURL)
	if err != nil {
		return err
	}
	return m.deleteAll(ctx, Filter{SourceURL: norm, WithoutContent: true})
}

func (m *Manager) deleteAll(ctx context.Context, filter Filter) error {
	uris := make([]string, 0)
	for e, err := range m.backend.List(ctx, filter) {
		if err != nil {
			return err
		}
		uris = append(uris, e.URI)
	}
	var errs []error
	for _, uri := range uris {
		if err := m.backend.Delete(ctx, uri); err != nil {
			errs = append(errs, err)
		}
	}
	l := m.log.Debug().Str("url", filter.SourceURL)
	if filter.ExtractionQuery != nil {
		l = l.Str("query", *filter.ExtractionQuery)
	}
	l.Int("deleted", len(uris)).Msg("Invalidated")
	return errors.Join(errs...)
}

// Stats returns the current accounting of the cache.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	count, err := m.backend.ItemCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	size, err := m.backend.TotalSizeBytes(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Items: count, SizeBytes: size, MaxItems: m.maxItems, MaxSizeBytes: m.maxSize}, nil
}

// newer reports whether a was created after b.
func (m *Manager) newer(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	pa, errA := m.keyer.ParseURI(a.URI)
	pb, errB := m.keyer.ParseURI(b.URI)
	if errA != nil || errB != nil {
		return a.URI > b.URI
	}
	return pa.Version > pb.Version
}
