// Package fetchcache serves web content through a tiered cache, fetching
// misses with the cheapest strategy known to work for the URL.
package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/fetch-cache/cache"
	"github.com/always-cache/fetch-cache/fetcher"
	"github.com/always-cache/fetch-cache/metrics"
	"github.com/always-cache/fetch-cache/process"
	"github.com/always-cache/fetch-cache/resolver"
	"github.com/always-cache/fetch-cache/strategy"
)

// Service holds the cache, the strategy table and the resolver built from a Config.
type Service struct {
	Cache      *cache.Manager
	Strategies strategy.Store
	Resolver   *resolver.Resolver

	config   Config
	backend  cache.Backend
	browser  *fetcher.Browser
	registry *prometheus.Registry
	log      zerolog.Logger
	now      func() time.Time
}

type options struct {
	logger   *zerolog.Logger
	fetchers []fetcher.Fetcher
	now      func() time.Time
}

type Option func(*options)

// WithLogger sets the logger. The global zerolog logger is used otherwise.
func WithLogger(logger *zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFetchers replaces the fetchers built from the config.
func WithFetchers(fetchers ...fetcher.Fetcher) Option {
	return func(o *options) {
		o.fetchers = fetchers
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New builds the service. The background sweep is started if configured;
// call Close to stop it and release the backend.
func New(config Config, opts ...Option) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = &log.Logger
	}
	s := &Service{
		config:   config,
		registry: prometheus.NewRegistry(),
		log:      logger.With().Str("component", "service").Logger(),
		now:      o.now,
	}

	m, err := metrics.New(s.registry)
	if err != nil {
		return nil, err
	}

	s.backend, err = newBackend(config.Cache, o.now)
	if err != nil {
		return nil, fmt.Errorf("open cache backend: %w", err)
	}
	s.Cache, err = cache.NewManager(cache.Config{
		Backend:      s.backend,
		MaxSizeBytes: config.Cache.MaxSizeBytes,
		MaxItems:     config.Cache.MaxItems,
		Logger:       logger,
		Metrics:      m,
		Now:          o.now,
	})
	if err != nil {
		s.backend.Close()
		return nil, err
	}

	if config.Strategies.Path != "" {
		s.Strategies, err = strategy.OpenFileStore(config.Strategies.Path, logger, strategy.WithClock(o.now))
		if err != nil {
			s.backend.Close()
			return nil, fmt.Errorf("open strategy table: %w", err)
		}
	} else {
		s.Strategies = strategy.NewMemStore(strategy.WithClock(o.now))
	}

	fetchers := o.fetchers
	if fetchers == nil {
		fetchers = s.newFetchers(logger)
	}

	rc := resolver.Config{
		Cache:          s.Cache,
		Strategies:     s.Strategies,
		Fetchers:       fetchers,
		Cascades:       config.Strategies.Cascades,
		DefaultMode:    config.Strategies.Mode,
		AttemptTimeout: config.Strategies.AttemptTimeout,
		DefaultTTL:     config.Cache.DefaultTTL,
		Rules:          config.Cache.Rules,
		Logger:         logger,
		Metrics:        m,
		Now:            o.now,
	}
	if config.Processing.Clean {
		rc.Cleaner = process.NewCleaner(process.CleanerConfig{Logger: logger})
	}
	if ec := config.Processing.Extract; ec.Enabled {
		extractor, err := process.NewOpenAIExtractor(process.OpenAIConfig{
			APIKey:        os.Getenv(ec.APIKeyEnv),
			BaseURL:       ec.BaseURL,
			Model:         ec.Model,
			MaxInputBytes: ec.MaxInputBytes,
			Timeout:       ec.Timeout,
			Logger:        logger,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		rc.Extractor = extractor
	}
	s.Resolver, err = resolver.New(rc)
	if err != nil {
		s.Close()
		return nil, err
	}

	if config.Cache.CleanupInterval > 0 {
		if err := s.Cache.StartCleanup(config.Cache.CleanupInterval); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.log.Info().Str("backend", config.Cache.Backend).Str("mode", string(config.Strategies.Mode)).
		Int("fetchers", len(fetchers)).Msg("Service ready")
	return s, nil
}

func newBackend(config CacheConfig, now func() time.Time) (cache.Backend, error) {
	switch config.Backend {
	case BackendMemory:
		return cache.NewMemBackend(cache.WithClock(now)), nil
	case BackendFile:
		return cache.NewFileBackend(config.Path, cache.WithClock(now))
	case BackendSQLite:
		return cache.NewSQLiteBackend(config.Path, cache.WithClock(now))
	}
	return nil, fmt.Errorf("unsupported cache backend: %q", config.Backend)
}

func (s *Service) newFetchers(logger *zerolog.Logger) []fetcher.Fetcher {
	nc := s.config.Fetchers.Native
	fetchers := []fetcher.Fetcher{
		fetcher.NewNative(fetcher.NativeConfig{
			UserAgent:         nc.UserAgent,
			MaxBytes:          nc.MaxBytes,
			MaxRedirects:      nc.MaxRedirects,
			RequestsPerSecond: nc.RequestsPerSecond,
			Burst:             nc.Burst,
			SufficiencyCheck:  nc.SufficiencyCheck,
			Logger:            logger,
		}),
	}
	if ec := s.config.Fetchers.Enhanced; ec.Enabled {
		s.browser = fetcher.NewBrowser(fetcher.BrowserConfig{
			RemoteURL:      ec.RemoteURL,
			BlockResources: ec.BlockResources,
			SettleTime:     ec.SettleTime,
			StartTimeout:   ec.StartTimeout,
			Logger:         logger,
		})
		fetchers = append(fetchers, s.browser)
	}
	return fetchers
}

// Registry returns the registry the service metrics are registered with.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Close stops the background sweep and releases the browser and the backend.
func (s *Service) Close() error {
	if s.Cache != nil {
		s.Cache.StopCleanup()
	}
	var errs []error
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if fs, ok := s.Strategies.(*strategy.FileStore); ok {
		errs = append(errs, fs.Compact(context.Background()))
	}
	errs = append(errs, s.backend.Close())
	return errors.Join(errs...)
}
