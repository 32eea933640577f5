package fetchcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/always-cache/fetch-cache/cache"
	cachekey "github.com/always-cache/fetch-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/fetch-cache/pkg/cache-status"
	recorder "github.com/always-cache/fetch-cache/pkg/response-recorder"
	"github.com/always-cache/fetch-cache/resolver"
	"github.com/always-cache/fetch-cache/strategy"
)

// cacheName identifies this cache in the Cache-Status header.
const cacheName = "fetch-cache"

// Handler returns the HTTP API of the service.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/fetch", s.handleFetch)
	r.Delete("/cache", s.handleInvalidate)
	r.Get("/strategies", s.handleListStrategies)
	r.Put("/strategies", s.handlePutStrategy)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorder.NewResponseRecorder(w)
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.StatusCode()).
			Int64("bytes", rec.BytesWritten()).
			Dur("took", rec.Duration()).
			Msg("Request")
	})
}

type fetchResponse struct {
	URL         string                `json:"url"`
	Query       string                `json:"query,omitempty"`
	Tier        cache.Tier            `json:"tier"`
	ContentType string                `json:"contentType"`
	Content     string                `json:"content"`
	URIs        map[cache.Tier]string `json:"uris"`
	Stored      bool                  `json:"stored"`
	ExpiresAt   *time.Time            `json:"expiresAt,omitempty"`
	Diagnostics resolver.Diagnostics  `json:"diagnostics"`
	CacheErrors []string              `json:"cacheErrors,omitempty"`
}

type errorResponse struct {
	Error    string             `json:"error"`
	Attempts []resolver.Attempt `json:"attempts,omitempty"`
}

// handleFetch serves GET /fetch. With format=content the body is the
// content itself, otherwise a JSON document with diagnostics.
func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := resolver.Options{
		Query: q.Get("query"),
		Mode:  resolver.Mode(q.Get("mode")),
	}
	var err error
	if opts.Timeout, err = durationParam(q.Get("timeout")); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("timeout: %w", err))
		return
	}
	if opts.TTL, err = durationParam(q.Get("ttl")); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("ttl: %w", err))
		return
	}
	if v := q.Get("refresh"); v != "" {
		if opts.Refresh, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("refresh: %w", err))
			return
		}
	}

	res, err := s.Resolver.ResolveAndFetch(r.Context(), q.Get("url"), opts)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}

	w.Header().Set(cachestatus.HeaderName, s.cacheStatus(res, opts).String())
	if q.Get("format") == "content" {
		w.Header().Set("Content-Type", res.ContentType)
		w.Write(res.Content)
		return
	}
	body := fetchResponse{
		URL:         res.SourceURL,
		Query:       res.Query,
		Tier:        res.Tier,
		ContentType: res.ContentType,
		Content:     string(res.Content),
		URIs:        res.URIs,
		Stored:      res.Stored,
		Diagnostics: res.Diagnostics,
	}
	if !res.ExpiresAt.IsZero() {
		body.ExpiresAt = &res.ExpiresAt
	}
	for _, err := range res.CacheErrors {
		body.CacheErrors = append(body.CacheErrors, err.Error())
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Service) cacheStatus(res *resolver.Result, opts resolver.Options) *cachestatus.CacheStatus {
	cs := cachestatus.New(cacheName)
	switch {
	case res.Diagnostics.CacheHit:
		cs.Hit()
	case opts.Refresh:
		cs.Forward(cachestatus.FwdRequest)
	case len(res.Diagnostics.Attempts) == 0:
		// Built from a cached earlier tier without fetching.
		cs.Forward(cachestatus.FwdMiss)
	default:
		cs.Forward(cachestatus.FwdUriMiss)
	}
	if res.Stored && !res.Diagnostics.CacheHit {
		cs.Stored()
	}
	if !res.ExpiresAt.IsZero() {
		cs.TTL(res.ExpiresAt.Sub(s.now()).Round(time.Second))
	}
	if res.Diagnostics.ChosenStrategy != "" {
		cs.Detail(res.Diagnostics.ChosenStrategy)
	}
	return cs
}

func (s *Service) writeFetchError(w http.ResponseWriter, err error) {
	var exhausted *resolver.CascadeExhaustedError
	var processing *resolver.ProcessingError
	switch {
	case cachekey.IsInvalidKey(err),
		errors.Is(err, resolver.ErrUnknownMode),
		errors.Is(err, resolver.ErrNoExtractor):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &exhausted):
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Attempts: exhausted.Attempts})
	case errors.As(err, &processing):
		s.writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, context.Canceled):
		// The client is gone.
	default:
		s.log.Error().Err(err).Msg("Fetch failed")
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

// handleInvalidate serves DELETE /cache.
func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.Resolver.Invalidate(r.Context(), q.Get("url"), q.Get("query")); err != nil {
		if cachekey.IsInvalidKey(err) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.log.Error().Err(err).Msg("Invalidation failed")
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	records, err := s.Strategies.All(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []strategy.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

type putStrategyRequest struct {
	// Either Prefix or URL selects the record.
	Prefix   string `json:"prefix"`
	URL      string `json:"url"`
	Strategy string `json:"strategy"`
	Note     string `json:"note"`
}

// handlePutStrategy seeds the strategy table by prefix or by URL.
func (s *Service) handlePutStrategy(w http.ResponseWriter, r *http.Request) {
	var req putStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if !s.Resolver.HasStrategy(req.Strategy) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown strategy %q", req.Strategy))
		return
	}
	target := req.URL
	if target == "" {
		target = req.Prefix
	}
	var err error
	if req.URL != "" {
		err = s.Strategies.Record(r.Context(), req.URL, req.Strategy, req.Note)
	} else {
		err = s.Strategies.Put(r.Context(), strategy.Record{Prefix: req.Prefix, Strategy: req.Strategy, Note: req.Note})
	}
	if err != nil {
		if cachekey.IsInvalidKey(err) || target == "" {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	rec, err := s.Strategies.Lookup(r.Context(), target)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type statsResponse struct {
	Cache      cache.Stats                `json:"cache"`
	Strategies int                        `json:"strategies"`
	Modes      map[resolver.Mode][]string `json:"modes"`
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	records, err := s.Strategies.All(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{Cache: stats, Strategies: len(records), Modes: s.Resolver.Modes()})
}

func durationParam(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("cannot be negative")
	}
	return d, nil
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Could not write response")
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
