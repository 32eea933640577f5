// Package freshness derives a time-to-live from origin caching headers.
package freshness

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type CacheControl struct {
	directives map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// ParseCacheControl parses all Cache-Control header values.
// The last occurrence of a directive wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			// directive names are case-insensitive
			name := strings.ToLower(strings.TrimSpace(parts[0]))
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(strings.TrimSpace(parts[1]), "\"")
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}

func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("max-age")
}

func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("s-maxage")
}

func (c CacheControl) getDeltaSeconds(directive string) (time.Duration, bool) {
	if secondsStr, ok := c.Get(directive); ok && secondsStr != "" {
		return deltaSeconds(secondsStr), true
	}
	return 0, false
}

func deltaSeconds(secondsStr string) time.Duration {
	if seconds, err := strconv.ParseUint(secondsStr, 10, 32); err == nil {
		return time.Second * time.Duration(seconds)
	}
	return 0
}

// Hint is what the origin says about caching a response.
type Hint struct {
	// TTL is the remaining freshness lifetime. Zero means the origin gave
	// no usable lifetime.
	TTL time.Duration
	// NoStore is set when the origin forbids storing the response.
	NoStore bool
}

// FromHeader computes the hint for a response received at now.
// s-maxage takes precedence over max-age, which takes precedence over
// Expires. The Age header is subtracted from the lifetime.
func FromHeader(h http.Header, now time.Time) Hint {
	if h == nil {
		return Hint{}
	}
	cc := ParseCacheControl(h.Values("Cache-Control"))
	if cc.HasDirective("no-store") {
		return Hint{NoStore: true}
	}
	if cc.HasDirective("no-cache") {
		return Hint{}
	}
	lifetime, ok := cc.SMaxAge()
	if !ok {
		lifetime, ok = cc.MaxAge()
	}
	if !ok {
		expires, err := http.ParseTime(h.Get("Expires"))
		if err != nil {
			return Hint{}
		}
		date := now
		if d, err := http.ParseTime(h.Get("Date")); err == nil {
			date = d
		}
		lifetime = expires.Sub(date)
	}
	if age := h.Get("Age"); age != "" {
		lifetime -= deltaSeconds(age)
	}
	if lifetime <= 0 {
		return Hint{}
	}
	return Hint{TTL: lifetime}
}
