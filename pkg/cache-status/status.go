// Package cachestatus renders the Cache-Status response header (RFC 9211).
package cachestatus

import (
	"fmt"
	"strings"
	"time"
)

// HeaderName is the name of the response header.
const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g. a forced refresh)
	// did not allow its use.
	FwdRequest FwdReason = "request"
)

type CacheStatus struct {
	cache     string
	status    Status
	detail    string
	fwdReason FwdReason
	stored    bool
	ttl       time.Duration
}

// New returns a status reported under the given cache name.
func New(cache string) *CacheStatus {
	return &CacheStatus{cache: cache}
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// Stored marks a forwarded response as written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// TTL sets the remaining freshness lifetime of the response.
func (cs *CacheStatus) TTL(ttl time.Duration) {
	cs.ttl = ttl
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cs.cache, cs.status)
	if cs.status == StatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.ttl > 0 {
		status += fmt.Sprintf("; ttl=%d", int64(cs.ttl.Seconds()))
	}
	if cs.detail != "" {
		status += "; detail=" + sanitizeDetail(cs.detail)
	}
	return status
}

// sanitizeDetail keeps the detail a valid sf-token.
func sanitizeDetail(detail string) string {
	return strings.Map(func(r rune) rune {
		if r == ';' || r == ',' || r == ' ' || r == '"' || r < 0x21 || r > 0x7e {
			return '-'
		}
		return r
	}, detail)
}
