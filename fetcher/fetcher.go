// Package fetcher holds the retrieval strategies the resolver cascades over.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Content is a successfully fetched document.
type Content struct {
	Body        []byte
	ContentType string
	// FinalURL is the URL after redirects.
	FinalURL   string
	StatusCode int
	// Header holds the origin response headers, if the strategy sees them.
	Header http.Header
}

// Fetcher is one retrieval strategy.
// Fetch must honor ctx cancellation and return *Error on failure.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, url string) (*Content, error)
}

// Kind classifies a failed attempt.
type Kind string

const (
	KindBlocked         Kind = "blocked"
	KindTimeout         Kind = "timeout"
	KindNotFound        Kind = "notFound"
	KindServerError     Kind = "serverError"
	KindClientError     Kind = "clientError"
	KindNetwork         Kind = "network"
	KindInsufficient    Kind = "insufficient"
	KindCanceled        Kind = "canceled"
	KindUnknownStrategy Kind = "unknownStrategy"
	KindUnknown         Kind = "unknown"
)

// Error is a classified fetch failure.
type Error struct {
	Strategy   string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch failed (%s, status %d): %s", e.Strategy, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch failed (%s): %s", e.Strategy, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. Unclassified errors are mapped from
// context errors where possible, otherwise KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindUnknown
}

// KindForStatus classifies an HTTP error status.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusTooManyRequests, code == http.StatusUnavailableForLegalReasons:
		return KindBlocked
	case code == http.StatusNotFound, code == http.StatusGone:
		return KindNotFound
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindClientError
	}
	return KindUnknown
}

// kindForTransport classifies an error from the transport layer.
func kindForTransport(ctx context.Context, err error) Kind {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return KindTimeout
		}
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// FuncFetcher adapts a function to the Fetcher interface.
type FuncFetcher struct {
	StrategyName string
	FetchFunc    func(ctx context.Context, url string) (*Content, error)
}

func (f FuncFetcher) Name() string {
	return f.StrategyName
}

func (f FuncFetcher) Fetch(ctx context.Context, url string) (*Content, error) {
	return f.FetchFunc(ctx, url)
}
