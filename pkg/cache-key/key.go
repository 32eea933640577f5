package cachekey

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultScheme is the URI scheme used for cache entry identifiers.
const DefaultScheme = "fetchcache"

const keySeparator = "\x00"

// InvalidKeyError is returned when a source URL cannot be normalized into a cache key.
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid cache key %q: %s", e.Key, e.Reason)
}

// IsInvalidKey reports whether err is (or wraps) an InvalidKeyError.
func IsInvalidKey(err error) bool {
	var ike *InvalidKeyError
	return errors.As(err, &ike)
}

// NormalizeURL returns the canonical form of a source URL.
// Scheme and host are lower-cased, default ports and the fragment are dropped
// and an empty path becomes "/". Path and query are kept as-is.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &InvalidKeyError{Key: raw, Reason: "empty url"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &InvalidKeyError{Key: raw, Reason: err.Error()}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &InvalidKeyError{Key: raw, Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return "", &InvalidKeyError{Key: raw, Reason: "missing host"}
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u.String(), nil
}

// Key returns the logical key for a normalized url and an optional extraction query.
// It is suitable for de-duplicating in-flight work.
func Key(normalizedURL, query string) string {
	return normalizedURL + keySeparator + query
}

// CacheKeyer builds and parses cache entry URIs.
type CacheKeyer struct {
	// Scheme of the generated URIs.
	Scheme string

	now func() time.Time
	seq *atomic.Uint64
}

func NewCacheKeyer(scheme string, now func() time.Time) CacheKeyer {
	if scheme == "" {
		scheme = DefaultScheme
	}
	if now == nil {
		now = time.Now
	}
	return CacheKeyer{
		Scheme: scheme,
		now:    now,
		seq:    &atomic.Uint64{},
	}
}

// NewURI returns a fresh identifier for an entry of the given tier.
// The version segment is the creation time in milliseconds followed by a
// process-wide sequence number, so identifiers sort in creation order.
func (c CacheKeyer) NewURI(tier, normalizedURL, query string) string {
	v := url.Values{}
	v.Set("url", normalizedURL)
	if query != "" {
		v.Set("q", query)
	}
	return fmt.Sprintf("%s://%s/%013d.%06d?%s", c.Scheme, tier, c.now().UnixMilli(), c.seq.Add(1), v.Encode())
}

// URIParts are the components of an entry URI.
type URIParts struct {
	Tier          string
	NormalizedURL string
	Query         string
	// Version orders URIs by creation, see NewURI.
	Version string
}

// ParseURI is the inverse of NewURI.
func (c CacheKeyer) ParseURI(uri string) (URIParts, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return URIParts{}, fmt.Errorf("malformed uri %q: %w", uri, err)
	}
	if u.Scheme != c.Scheme {
		return URIParts{}, fmt.Errorf("uri %q does not use scheme %s", uri, c.Scheme)
	}
	version := strings.Trim(u.Path, "/")
	if u.Host == "" || version == "" {
		return URIParts{}, fmt.Errorf("malformed uri: %s", uri)
	}
	values := u.Query()
	if values.Get("url") == "" {
		return URIParts{}, fmt.Errorf("uri %q has no source url", uri)
	}
	return URIParts{
		Tier:          u.Host,
		NormalizedURL: values.Get("url"),
		Query:         values.Get("q"),
		Version:       version,
	}, nil
}
