package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// NativeName is the strategy name of the plain HTTP fetcher.
const NativeName = "native"

const (
	defaultUserAgent    = "Mozilla/5.0 (compatible; fetch-cache/1.0)"
	defaultMaxBytes     = 10 << 20
	defaultMaxRedirects = 10
)

type NativeConfig struct {
	// Client to use. A client without timeout is created if nil;
	// deadlines come from the attempt context.
	Client *http.Client
	// UserAgent header value.
	UserAgent string
	// MaxBytes caps the body size. Longer bodies are truncated.
	MaxBytes int64
	// MaxRedirects to follow before failing.
	MaxRedirects int
	// RequestsPerSecond limits outgoing requests. Zero disables the limit.
	RequestsPerSecond float64
	// Burst of the rate limit. Defaults to 1.
	Burst int
	// SufficiencyCheck fails HTML responses that look like empty
	// application shells, so a rendering strategy can take over.
	SufficiencyCheck bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Native fetches documents with a single HTTP GET.
type Native struct {
	client   *http.Client
	ua       string
	maxBytes int64
	limiter  *rate.Limiter
	check    bool
	log      zerolog.Logger
}

func NewNative(config NativeConfig) *Native {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	n := &Native{
		ua:       config.UserAgent,
		maxBytes: config.MaxBytes,
		check:    config.SufficiencyCheck,
		log:      logger.With().Str("strategy", NativeName).Logger(),
	}
	if n.ua == "" {
		n.ua = defaultUserAgent
	}
	if n.maxBytes <= 0 {
		n.maxBytes = defaultMaxBytes
	}
	maxRedirects := config.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	if config.Client != nil {
		c := *config.Client
		n.client = &c
	} else {
		n.client = &http.Client{}
	}
	if n.client.CheckRedirect == nil {
		n.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	}
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return n
}

func (n *Native) Name() string {
	return NativeName
}

func (n *Native) fail(kind Kind, status int, err error) *Error {
	return &Error{Strategy: NativeName, Kind: kind, StatusCode: status, Err: err}
}

func (n *Native) Fetch(ctx context.Context, url string) (*Content, error) {
	if n.limiter != nil {
		// Wait fails early when the next token is beyond the deadline
		if err := n.limiter.Wait(ctx); err != nil {
			kind := KindTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				kind = KindCanceled
			}
			return nil, n.fail(kind, 0, fmt.Errorf("rate limit: %w", err))
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, n.fail(KindClientError, 0, err)
	}
	req.Header.Set("User-Agent", n.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	start := time.Now()
	res, err := n.client.Do(req)
	if err != nil {
		return nil, n.fail(kindForTransport(ctx, err), 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		// drain a little so the connection can be reused
		io.CopyN(io.Discard, res.Body, 4<<10)
		return nil, n.fail(KindForStatus(res.StatusCode), res.StatusCode, errors.New(res.Status))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, n.maxBytes+1))
	if err != nil {
		return nil, n.fail(kindForTransport(ctx, err), res.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > n.maxBytes {
		n.log.Warn().Str("url", url).Int64("maxBytes", n.maxBytes).Msg("Truncating oversized body")
		body = body[:n.maxBytes]
	}

	contentType := res.Header.Get("Content-Type")
	if n.check && IsHTML(contentType) && !IsSufficient(body) {
		return nil, n.fail(KindInsufficient, res.StatusCode, errors.New("document has too little text, probably needs scripts"))
	}

	n.log.Debug().Str("url", url).Int("status", res.StatusCode).Int("size", len(body)).
		Dur("took", time.Since(start)).Msg("Fetched")
	return &Content{
		Body:        body,
		ContentType: contentType,
		FinalURL:    res.Request.URL.String(),
		StatusCode:  res.StatusCode,
		Header:      res.Header,
	}, nil
}

// IsHTML reports whether the Content-Type names an HTML document.
func IsHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
