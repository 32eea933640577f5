package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/fetch-cache/fetcher"
	"github.com/always-cache/fetch-cache/strategy"
)

type step struct {
	strategy   string
	configured bool
}

// plan returns the attempts of a resolution: the learned strategy, if any,
// followed by the full ordering of the mode.
func (r *Resolver) plan(ctx context.Context, norm string, mode Mode, l *zerolog.Logger) ([]step, strategy.Record) {
	order := r.cascades[mode]
	steps := make([]step, 0, len(order)+1)
	rec, err := r.strategies.Lookup(ctx, norm)
	switch {
	case err == nil:
		steps = append(steps, step{strategy: rec.Strategy, configured: true})
	case errors.Is(err, strategy.ErrNotFound):
	default:
		l.Warn().Err(err).Msg("Strategy lookup failed")
	}
	for _, name := range order {
		steps = append(steps, step{strategy: name})
	}
	return steps, rec
}

// cascade tries the planned strategies one after another until one succeeds.
// The winner is recorded for the URL prefix.
func (r *Resolver) cascade(ctx context.Context, norm string, opts Options, diag *Diagnostics, l zerolog.Logger) (*fetcher.Content, error) {
	steps, rec := r.plan(ctx, norm, opts.Mode, &l)
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	for _, s := range steps {
		content, attempt := r.attempt(ctx, s.strategy, norm, timeout)
		attempt.Configured = s.configured
		diag.Attempts = append(diag.Attempts, attempt)
		if attempt.Outcome != OutcomeSuccess {
			l.Debug().Str("strategy", s.strategy).Str("kind", string(attempt.ErrorKind)).
				Dur("took", attempt.Duration).Msg(attempt.Error)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		diag.ChosenStrategy = s.strategy
		note := rec.Note
		if !s.configured {
			note = failureNote(diag.Attempts)
		}
		if err := r.strategies.Record(ctx, norm, s.strategy, note); err != nil {
			l.Warn().Err(err).Str("strategy", s.strategy).Msg("Could not record strategy")
		}
		l.Debug().Str("strategy", s.strategy).Int("attempts", len(diag.Attempts)).Msg("Resolved")
		return content, nil
	}
	r.metrics.Exhausted()
	err := &CascadeExhaustedError{URL: norm, Attempts: append([]Attempt(nil), diag.Attempts...)}
	l.Info().Err(err).Msg("Cascade exhausted")
	return nil, err
}

// attempt runs a single strategy under its own timeout.
func (r *Resolver) attempt(ctx context.Context, name, norm string, timeout time.Duration) (*fetcher.Content, Attempt) {
	a := Attempt{Strategy: name, StartedAt: r.now()}
	defer func() {
		r.metrics.Attempt(name, string(a.Outcome), string(a.ErrorKind), a.Duration)
	}()
	f, ok := r.fetchers[name]
	if !ok {
		a.Outcome = OutcomeError
		a.ErrorKind = fetcher.KindUnknownStrategy
		a.Error = fmt.Sprintf("no fetcher named %q", name)
		return nil, a
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	content, err := f.Fetch(actx, norm)
	a.Duration = time.Since(start)
	if err == nil && content == nil {
		err = &fetcher.Error{Strategy: name, Kind: fetcher.KindUnknown, Err: errors.New("no content")}
	}
	if err != nil {
		a.Outcome = OutcomeError
		a.ErrorKind = fetcher.KindOf(err)
		// Some fetchers report an expired deadline as a generic error.
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			a.ErrorKind = fetcher.KindTimeout
		}
		a.Error = err.Error()
		return nil, a
	}
	a.Outcome = OutcomeSuccess
	return content, a
}

// failureNote summarizes the failed attempts before the winner.
func failureNote(attempts []Attempt) string {
	var failed []string
	for _, a := range attempts {
		if a.Outcome == OutcomeError {
			failed = append(failed, a.Strategy+" "+string(a.ErrorKind))
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return "after " + strings.Join(failed, ", ")
}
