// Package resolver fetches content through a cascade of strategies,
// learns which strategy works for a URL prefix and keeps the tiered
// results in the cache.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/fetch-cache/cache"
	"github.com/always-cache/fetch-cache/fetcher"
	"github.com/always-cache/fetch-cache/metrics"
	cachekey "github.com/always-cache/fetch-cache/pkg/cache-key"
	"github.com/always-cache/fetch-cache/pkg/freshness"
	ttlrules "github.com/always-cache/fetch-cache/pkg/ttl-rules"
	"github.com/always-cache/fetch-cache/strategy"
)

// Cleaner turns raw content into the cleaned tier.
type Cleaner interface {
	Clean(ctx context.Context, sourceURL string, body []byte, contentType string) ([]byte, string, error)
}

// Extractor answers a query against cleaned content.
type Extractor interface {
	Extract(ctx context.Context, sourceURL, query string, body []byte, contentType string) ([]byte, string, error)
}

// Mode selects the strategy ordering of the cascade.
type Mode string

const (
	ModeCheapFirst   Mode = "cheap-first"
	ModeQualityFirst Mode = "quality-first"
)

const DefaultAttemptTimeout = 30 * time.Second

// DefaultCascades returns the built-in strategy orderings.
func DefaultCascades() map[Mode][]string {
	return map[Mode][]string{
		ModeCheapFirst:   {fetcher.NativeName, fetcher.BrowserName},
		ModeQualityFirst: {fetcher.BrowserName},
	}
}

type Config struct {
	Cache      *cache.Manager
	Strategies strategy.Store
	// Fetchers are addressed by their Name.
	Fetchers []fetcher.Fetcher
	// Cascades overrides the orderings of DefaultCascades per mode.
	Cascades    map[Mode][]string
	DefaultMode Mode
	// AttemptTimeout bounds every single attempt unless the request sets one.
	AttemptTimeout time.Duration
	// DefaultTTL is used when neither the request, the rules nor the origin
	// give a lifetime. Zero stores without expiry.
	DefaultTTL time.Duration
	Rules      ttlrules.Rules
	Cleaner    Cleaner
	Extractor  Extractor
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Options are the per-request settings.
type Options struct {
	Query string
	Mode  Mode
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
	// TTL overrides every other source of the entry lifetime.
	TTL time.Duration
	// Refresh skips the cache lookup and fetches again.
	Refresh bool
}

type Result struct {
	SourceURL   string
	Query       string
	Content     []byte
	ContentType string
	Tier        cache.Tier
	// URIs of the live entries for the request, by tier.
	URIs map[cache.Tier]string
	// ExpiresAt is zero when the returned tier never expires or was not stored.
	ExpiresAt   time.Time
	Stored      bool
	Diagnostics Diagnostics
	// CacheErrors are cache failures that did not prevent returning content.
	CacheErrors []error
}

func (res *Result) clone() *Result {
	c := *res
	c.URIs = make(map[cache.Tier]string, len(res.URIs))
	for t, uri := range res.URIs {
		c.URIs[t] = uri
	}
	c.Diagnostics.Attempts = append([]Attempt(nil), res.Diagnostics.Attempts...)
	c.CacheErrors = append([]error(nil), res.CacheErrors...)
	return &c
}

type Resolver struct {
	cache      *cache.Manager
	strategies strategy.Store
	fetchers   map[string]fetcher.Fetcher
	cascades   map[Mode][]string
	mode       Mode
	timeout    time.Duration
	defaultTTL time.Duration
	rules      ttlrules.Rules
	cleaner    Cleaner
	extractor  Extractor
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	group      singleflight.Group
}

func New(config Config) (*Resolver, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("resolver needs a cache")
	}
	if config.Strategies == nil {
		return nil, fmt.Errorf("resolver needs a strategy store")
	}
	if config.AttemptTimeout < 0 || config.DefaultTTL < 0 {
		return nil, fmt.Errorf("timeouts and ttl cannot be negative")
	}
	fetchers := make(map[string]fetcher.Fetcher, len(config.Fetchers))
	for _, f := range config.Fetchers {
		if _, ok := fetchers[f.Name()]; ok {
			return nil, fmt.Errorf("duplicate fetcher %q", f.Name())
		}
		fetchers[f.Name()] = f
	}
	cascades := DefaultCascades()
	for mode, order := range config.Cascades {
		cascades[mode] = order
	}
	mode := config.DefaultMode
	if mode == "" {
		mode = ModeCheapFirst
	}
	if _, ok := cascades[mode]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	timeout := config.AttemptTimeout
	if timeout == 0 {
		timeout = DefaultAttemptTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		cache:      config.Cache,
		strategies: config.Strategies,
		fetchers:   fetchers,
		cascades:   cascades,
		mode:       mode,
		timeout:    timeout,
		defaultTTL: config.DefaultTTL,
		rules:      config.Rules,
		cleaner:    config.Cleaner,
		extractor:  config.Extractor,
		log:        logger.With().Str("component", "resolver").Logger(),
		metrics:    config.Metrics,
		now:        now,
	}, nil
}

// Modes returns the configured cascades.
func (r *Resolver) Modes() map[Mode][]string {
	res := make(map[Mode][]string, len(r.cascades))
	for m, order := range r.cascades {
		res[m] = append([]string(nil), order...)
	}
	return res
}

// ResolveAndFetch returns the content for the URL, from the cache when a live
// entry of the requested tier exists, otherwise by running the cascade.
// Concurrent requests for the same URL and query share one resolution.
func (r *Resolver) ResolveAndFetch(ctx context.Context, sourceURL string, opts Options) (*Result, error) {
	start := time.Now()
	norm, err := cachekey.NormalizeURL(sourceURL)
	if err != nil {
		return nil, err
	}
	if opts.Mode == "" {
		opts.Mode = r.mode
	}
	if _, ok := r.cascades[opts.Mode]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, opts.Mode)
	}
	if opts.Query != "" && r.extractor == nil {
		return nil, ErrNoExtractor
	}
	if opts.TTL < 0 || opts.Timeout < 0 {
		return nil, fmt.Errorf("timeout and ttl cannot be negative")
	}
	requestID := uuid.NewString()
	l := r.log.With().Str("request", requestID).Str("url", norm).Logger()

	if !opts.Refresh {
		if res := r.lookup(ctx, norm, opts.Query, &l); res != nil {
			r.metrics.CacheHit()
			res.Diagnostics.RequestID = requestID
			res.Diagnostics.Mode = opts.Mode
			res.Diagnostics.TotalDuration = time.Since(start)
			l.Debug().Str("tier", string(res.Tier)).Msg("Cache hit")
			return res, nil
		}
	}
	r.metrics.CacheMiss()

	key := cachekey.Key(norm, opts.Query)
	ch := r.group.DoChan(key, func() (any, error) {
		// The resolution outlives a caller that stops waiting for it.
		return r.resolve(context.WithoutCancel(ctx), norm, opts, l)
	})
	select {
	case <-ctx.Done():
		l.Debug().Err(ctx.Err()).Msg("Stopped waiting for resolution")
		return nil, ctx.Err()
	case sr := <-ch:
		if sr.Shared {
			r.metrics.Coalesced()
		}
		if sr.Err != nil {
			return nil, sr.Err
		}
		res := sr.Val.(*Result).clone()
		res.Diagnostics.RequestID = requestID
		res.Diagnostics.Coalesced = sr.Shared
		res.Diagnostics.TotalDuration = time.Since(start)
		return res, nil
	}
}

// Invalidate removes every tier the URL and query are answered from.
// The raw and cleaned tiers are shared by all queries of the URL, so they
// always go. Without a query the extracted answers derived from them go too.
func (r *Resolver) Invalidate(ctx context.Context, sourceURL, query string) error {
	if query == "" {
		return r.cache.InvalidateURL(ctx, sourceURL)
	}
	if err := r.cache.Invalidate(ctx, sourceURL, query); err != nil {
		return err
	}
	return r.cache.Invalidate(ctx, sourceURL, "")
}

// targetTier is the tier a request with the given query is answered from.
func (r *Resolver) targetTier(query string) cache.Tier {
	switch {
	case query != "" && r.extractor != nil:
		return cache.TierExtracted
	case r.cleaner != nil:
		return cache.TierCleaned
	}
	return cache.TierRaw
}

// live returns the newest live entry of each tier relevant to the request.
// Lookup failures are logged and treated as misses.
func (r *Resolver) live(ctx context.Context, norm, query string, l *zerolog.Logger) map[cache.Tier]cache.Entry {
	have := make(map[cache.Tier]cache.Entry)
	queries := []string{""}
	if query != "" {
		queries = append(queries, query)
	}
	for _, q := range queries {
		entries, err := r.cache.FindByKey(ctx, norm, q)
		if err != nil {
			l.Warn().Err(err).Msg("Cache lookup failed")
			continue
		}
		for _, e := range entries {
			if q == "" && e.Tier == cache.TierExtracted {
				continue
			}
			have[e.Tier] = e
		}
	}
	return have
}

// lookup returns a hit for the target tier, or nil.
func (r *Resolver) lookup(ctx context.Context, norm, query string, l *zerolog.Logger) *Result {
	have := r.live(ctx, norm, query, l)
	target := r.targetTier(query)
	e, ok := r.readTier(ctx, have, target, l)
	if !ok {
		return nil
	}
	res := &Result{
		SourceURL:   norm,
		Query:       query,
		Content:     e.Content,
		ContentType: e.ContentType,
		Tier:        e.Tier,
		URIs:        make(map[cache.Tier]string, len(have)),
		ExpiresAt:   e.ExpiresAt(),
		Stored:      true,
		Diagnostics: Diagnostics{CacheHit: true},
	}
	for t, entry := range have {
		res.URIs[t] = entry.URI
	}
	return res
}

// resolve runs in exactly one goroutine per key at a time.
func (r *Resolver) resolve(ctx context.Context, norm string, opts Options, l zerolog.Logger) (*Result, error) {
	res := &Result{
		SourceURL:   norm,
		Query:       opts.Query,
		URIs:        make(map[cache.Tier]string),
		Diagnostics: Diagnostics{Mode: opts.Mode},
	}
	var have map[cache.Tier]cache.Entry
	if opts.Refresh {
		have = make(map[cache.Tier]cache.Entry)
	} else {
		// A resolution that finished just before this one may have filled the cache.
		if hit := r.lookup(ctx, norm, opts.Query, &l); hit != nil {
			return hit, nil
		}
		have = r.live(ctx, norm, opts.Query, &l)
	}

	raw, ok := r.readTier(ctx, have, cache.TierRaw, &l)
	var ttl time.Duration
	noStore := false
	if ok {
		l.Debug().Str("uri", raw.URI).Msg("Reusing cached raw content")
		res.URIs[cache.TierRaw] = raw.URI
		ttl, noStore = r.derivedTTL(norm, opts, raw)
	} else {
		content, err := r.cascade(ctx, norm, opts, &res.Diagnostics, l)
		if err != nil {
			return nil, err
		}
		ttl, noStore = r.ttlFor(norm, opts, content)
		raw = cache.Entry{Tier: cache.TierRaw, Content: content.Body, ContentType: content.ContentType}
		if noStore {
			l.Debug().Msg("Content is not stored")
		} else {
			raw.URI = r.store(ctx, res, cache.WriteRequest{
				SourceURL:   norm,
				Tier:        cache.TierRaw,
				Content:     content.Body,
				ContentType: content.ContentType,
				TTL:         ttl,
			}, &l)
		}
	}
	current := raw

	if r.cleaner != nil {
		cleaned, ok := r.readTier(ctx, have, cache.TierCleaned, &l)
		if ok {
			res.URIs[cache.TierCleaned] = cleaned.URI
		} else {
			body, contentType, err := r.cleaner.Clean(ctx, norm, current.Content, current.ContentType)
			if err != nil {
				return nil, &ProcessingError{Tier: cache.TierCleaned, Err: err}
			}
			cleaned = cache.Entry{Tier: cache.TierCleaned, Content: body, ContentType: contentType}
			if !noStore {
				cleaned.URI = r.store(ctx, res, cache.WriteRequest{
					SourceURL:   norm,
					Tier:        cache.TierCleaned,
					Content:     body,
					ContentType: contentType,
					TTL:         ttl,
				}, &l)
			}
		}
		current = cleaned
	}

	if opts.Query != "" {
		body, contentType, err := r.extractor.Extract(ctx, norm, opts.Query, current.Content, current.ContentType)
		if err != nil {
			return nil, &ProcessingError{Tier: cache.TierExtracted, Err: err}
		}
		current = cache.Entry{Tier: cache.TierExtracted, Content: body, ContentType: contentType}
		if !noStore {
			current.URI = r.store(ctx, res, cache.WriteRequest{
				SourceURL:   norm,
				Query:       opts.Query,
				Tier:        cache.TierExtracted,
				Content:     body,
				ContentType: contentType,
				TTL:         ttl,
			}, &l)
		}
	}

	res.Content = current.Content
	res.ContentType = current.ContentType
	res.Tier = current.Tier
	if current.URI != "" {
		res.Stored = true
		if ttl > 0 {
			res.ExpiresAt = r.now().Add(ttl)
		}
	}
	if len(res.CacheErrors) > 0 {
		l.Warn().Errs("errors", res.CacheErrors).Msg("Content returned despite cache failures")
	}
	return res, nil
}

// readTier reads the live entry of the tier, if any.
func (r *Resolver) readTier(ctx context.Context, have map[cache.Tier]cache.Entry, tier cache.Tier, l *zerolog.Logger) (cache.Entry, bool) {
	found, ok := have[tier]
	if !ok {
		return cache.Entry{}, false
	}
	e, err := r.cache.Read(ctx, found.URI)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			l.Warn().Err(err).Str("uri", found.URI).Msg("Cache read failed")
		}
		return cache.Entry{}, false
	}
	return e, true
}

// store writes one tier and records its URI in the result. Failures are
// logged and collected; an entry written before a failed eviction counts as stored.
func (r *Resolver) store(ctx context.Context, res *Result, req cache.WriteRequest, l *zerolog.Logger) string {
	uri, err := r.cache.Write(ctx, req)
	if err != nil {
		l.Warn().Err(err).Str("tier", string(req.Tier)).Msg("Cache write failed")
		res.CacheErrors = append(res.CacheErrors, err)
	}
	if uri != "" {
		res.URIs[req.Tier] = uri
	}
	return uri
}

// ttlFor returns the lifetime of freshly fetched content. The request TTL
// wins, then the rules applied to the origin headers, then the default.
func (r *Resolver) ttlFor(norm string, opts Options, content *fetcher.Content) (time.Duration, bool) {
	if opts.TTL > 0 {
		return opts.TTL, false
	}
	hint := freshness.FromHeader(r.rules.Apply(norm, content.Header), r.now())
	if hint.NoStore {
		return 0, true
	}
	if hint.TTL > 0 {
		return hint.TTL, false
	}
	return r.defaultTTL, false
}

// derivedTTL returns the lifetime of tiers derived from cached raw content.
// They never outlive the raw entry.
func (r *Resolver) derivedTTL(norm string, opts Options, raw cache.Entry) (time.Duration, bool) {
	ttl, noStore := r.ttlFor(norm, opts, &fetcher.Content{})
	if noStore {
		return 0, true
	}
	if raw.TTL > 0 {
		remaining := raw.ExpiresAt().Sub(r.now())
		if ttl == 0 || remaining < ttl {
			ttl = remaining
		}
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	return ttl, false
}

// HasStrategy reports whether a fetcher with the name is configured.
func (r *Resolver) HasStrategy(name string) bool {
	_, ok := r.fetchers[name]
	return ok
}
