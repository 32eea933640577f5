package cache

import (
	"fmt"
	"time"
)

// Tier is the processing stage a cache entry represents.
type Tier string

const (
	// TierRaw is unmodified fetched content.
	TierRaw Tier = "raw"
	// TierCleaned is content simplified for reading (e.g. HTML converted to markdown).
	TierCleaned Tier = "cleaned"
	// TierExtracted is a structured result derived for an extraction query.
	TierExtracted Tier = "extracted"
)

// Tiers lists all tiers in processing order.
var Tiers = []Tier{TierRaw, TierCleaned, TierExtracted}

// ParseTier validates the string form of a tier.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

func (t Tier) order() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return len(Tiers)
}

// Entry is one cached artifact.
type Entry struct {
	// URI uniquely identifies the entry.
	URI string
	// Tier is the processing stage of the content.
	Tier Tier
	// SourceURL is the normalized URL the content was fetched from.
	SourceURL string
	// ExtractionQuery is the query the content was extracted for, if any.
	ExtractionQuery string
	// Content is the stored payload. It is nil when listed without content.
	Content     []byte
	ContentType string
	// CreatedAt is when the entry was written.
	CreatedAt time.Time
	// TTL is the time-to-live of the entry. Zero means it never expires.
	TTL time.Duration
	// LastAccessAt is updated on reads only.
	LastAccessAt time.Time
	// SizeBytes is the size of the content, used for eviction accounting.
	SizeBytes int64
}

// Expired reports whether the entry is no longer live at the given time.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// ExpiresAt returns the expiry time, or the zero time if the entry never expires.
func (e Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Filter selects entries in Backend.List.
// Zero-valued fields match everything.
type Filter struct {
	SourceURL string
	// ExtractionQuery matches entries with exactly this query when non-nil.
	// Use a pointer to the empty string to select entries without a query.
	ExtractionQuery *string
	Tier            Tier
	// WithoutContent skips loading entry content.
	WithoutContent bool
}

// Query is a helper for building a Filter.ExtractionQuery.
func Query(q string) *string {
	return &q
}

// Match reports whether the entry is selected by the filter.
func (f Filter) Match(e Entry) bool {
	if f.SourceURL != "" && e.SourceURL != f.SourceURL {
		return false
	}
	if f.ExtractionQuery != nil && e.ExtractionQuery != *f.ExtractionQuery {
		return false
	}
	if f.Tier != "" && e.Tier != f.Tier {
		return false
	}
	return true
}
