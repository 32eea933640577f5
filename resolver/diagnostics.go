package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/always-cache/fetch-cache/cache"
	"github.com/always-cache/fetch-cache/fetcher"
)

var (
	// ErrUnknownMode is returned for a mode without a configured cascade.
	ErrUnknownMode = errors.New("unknown cascade mode")
	// ErrNoExtractor is returned when a query is given but extraction is disabled.
	ErrNoExtractor = errors.New("extraction is not configured")
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Attempt is one fetch attempt of a resolution.
type Attempt struct {
	Strategy  string
	StartedAt time.Time
	Duration  time.Duration
	Outcome   Outcome
	ErrorKind fetcher.Kind
	Error     string
	// Configured is set for the attempt of the learned strategy.
	Configured bool
}

func (a Attempt) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Strategy   string       `json:"strategy"`
		StartedAt  time.Time    `json:"startedAt"`
		DurationMs int64        `json:"durationMs"`
		Outcome    Outcome      `json:"outcome"`
		ErrorKind  fetcher.Kind `json:"errorKind,omitempty"`
		Error      string       `json:"error,omitempty"`
		Configured bool         `json:"configured,omitempty"`
	}{a.Strategy, a.StartedAt, a.Duration.Milliseconds(), a.Outcome, a.ErrorKind, a.Error, a.Configured})
}

// Diagnostics describes how one request was resolved.
type Diagnostics struct {
	RequestID      string
	Mode           Mode
	Attempts       []Attempt
	ChosenStrategy string
	TotalDuration  time.Duration
	CacheHit       bool
	// Coalesced is set when the result was shared between concurrent requests.
	Coalesced bool
}

func (d Diagnostics) MarshalJSON() ([]byte, error) {
	attempts := d.Attempts
	if attempts == nil {
		attempts = []Attempt{}
	}
	return json.Marshal(struct {
		RequestID       string    `json:"requestId"`
		Mode            Mode      `json:"mode,omitempty"`
		Attempts        []Attempt `json:"attempts"`
		ChosenStrategy  string    `json:"chosenStrategy,omitempty"`
		TotalDurationMs int64     `json:"totalDurationMs"`
		CacheHit        bool      `json:"cacheHit"`
		Coalesced       bool      `json:"coalesced,omitempty"`
	}{d.RequestID, d.Mode, attempts, d.ChosenStrategy, d.TotalDuration.Milliseconds(), d.CacheHit, d.Coalesced})
}

// CascadeExhaustedError is returned when every strategy failed.
type CascadeExhaustedError struct {
	URL      string
	Attempts []Attempt
}

func (e *CascadeExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no strategy to fetch %s", e.URL)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s after %dms: %s)", a.Strategy, a.ErrorKind, a.Duration.Milliseconds(), a.Error))
	}
	return fmt.Sprintf("all strategies failed for %s: %s", e.URL, strings.Join(parts, "; "))
}

// ProcessingError is returned when a tier could not be derived from the
// fetched content. Tiers produced before the failure stay cached.
type ProcessingError struct {
	Tier cache.Tier
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("produce %s tier: %s", e.Tier, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
