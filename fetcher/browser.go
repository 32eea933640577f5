package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BrowserName is the strategy name of the headless browser fetcher.
const BrowserName = "enhanced"

const defaultStartTimeout = time.Minute

var errClosed = errors.New("browser fetcher is closed")

type BrowserConfig struct {
	// RemoteURL is the DevTools websocket URL of a running Chrome.
	// A local headless Chrome is launched on first use if empty.
	RemoteURL string
	// BlockResources lists resource types not to load
	// (images, fonts, media, stylesheets or raw CDP types).
	BlockResources []string
	// SettleTime to wait after the load event for late rendering.
	SettleTime time.Duration
	// StartTimeout bounds the connection to Chrome. Defaults to one minute.
	StartTimeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Browser renders documents in headless Chrome with stealth evasions,
// for sites that need scripts or block plain clients.
type Browser struct {
	cfg     BrowserConfig
	block   map[string]bool
	log     zerolog.Logger
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool

	startTimeout time.Duration
	// starting is closed when the running start finishes.
	starting chan struct{}
	startErr error
}

func NewBrowser(config BrowserConfig) *Browser {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	block := make(map[string]bool, len(config.BlockResources))
	for _, t := range config.BlockResources {
		block[strings.ToLower(t)] = true
	}
	startTimeout := config.StartTimeout
	if startTimeout <= 0 {
		startTimeout = defaultStartTimeout
	}
	return &Browser{
		cfg:          config,
		block:        block,
		log:          logger.With().Str("strategy", BrowserName).Logger(),
		startTimeout: startTimeout,
	}
}

func (b *Browser) Name() string {
	return BrowserName
}

func (b *Browser) fail(kind Kind, status int, err error) *Error {
	return &Error{Strategy: BrowserName, Kind: kind, StatusCode: status, Err: err}
}

// connect returns the shared browser. Only one start runs at a time and
// callers stop waiting when ctx is done; the start itself carries on so a
// later attempt can use the browser.
func (b *Browser) connect(ctx context.Context) (*rod.Browser, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errClosed
	}
	if b.browser != nil {
		br := b.browser
		b.mu.Unlock()
		return br, nil
	}
	if b.starting == nil {
		b.starting = make(chan struct{})
		go b.start(b.starting)
	}
	starting := b.starting
	b.mu.Unlock()

	select {
	case <-starting:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for chrome: %w", ctx.Err())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil, b.startErr
	}
	return b.browser, nil
}

// start launches or dials Chrome and publishes the result before closing done.
func (b *Browser) start(done chan struct{}) {
	br, lnch, err := b.launch()

	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(done)
	b.starting = nil
	b.startErr = err
	if err != nil {
		b.log.Warn().Err(err).Msg("Chrome start failed")
		return
	}
	if b.closed {
		br.Close()
		if lnch != nil {
			lnch.Cleanup()
		}
		b.startErr = errClosed
		return
	}
	b.browser, b.lnch = br, lnch
}

func (b *Browser) launch() (*rod.Browser, *launcher.Launcher, error) {
	var lnch *launcher.Launcher
	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		lnch = launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := lnch.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		b.log.Info().Str("url", wsURL).Msg("Launched local chrome")
	} else {
		b.log.Info().Str("url", wsURL).Msg("Connecting to remote chrome")
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), b.startTimeout)
	defer cancel()
	br := rod.New().Context(dialCtx).ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, nil, fmt.Errorf("connect chrome: %w", err)
	}
	return br.Context(context.Background()), lnch, nil
}

type documentResponse struct {
	status   int
	mimeType string
	url      string
}

func (b *Browser) Fetch(ctx context.Context, url string) (*Content, error) {
	br, err := b.connect(ctx)
	if err != nil {
		return nil, b.fail(kindForTransport(ctx, err), 0, err)
	}
	page, err := stealth.Page(br)
	if err != nil {
		b.reset(br)
		return nil, b.fail(KindNetwork, 0, fmt.Errorf("open page: %w", err))
	}
	defer page.Close()

	pageCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := page.Context(pageCtx)

	if len(b.block) > 0 {
		router := p.HijackRequests()
		if err := router.Add("*", "", b.hijack); err != nil {
			b.log.Warn().Err(err).Msg("Resource blocking failed")
		} else {
			go router.Run()
			defer router.Stop()
		}
	}

	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		b.log.Debug().Err(err).Msg("Could not enable network events")
	}
	docs := make(chan documentResponse, 1)
	go p.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
			return false
		}
		docs <- documentResponse{status: e.Response.Status, mimeType: e.Response.MIMEType, url: e.Response.URL}
		return true
	})()

	if err := p.Navigate(url); err != nil {
		return nil, b.fail(kindForTransport(ctx, err), 0, fmt.Errorf("navigate: %w", err))
	}
	if err := p.WaitLoad(); err != nil {
		if ctx.Err() != nil {
			return nil, b.fail(kindForTransport(ctx, err), 0, fmt.Errorf("wait load: %w", err))
		}
		b.log.Warn().Err(err).Str("url", url).Msg("Wait for load failed")
	}
	if b.cfg.SettleTime > 0 {
		select {
		case <-time.After(b.cfg.SettleTime):
		case <-ctx.Done():
			return nil, b.fail(kindForTransport(ctx, ctx.Err()), 0, ctx.Err())
		}
	}

	doc := documentResponse{status: http.StatusOK, url: url}
	select {
	case doc = <-docs:
	default:
	}
	if doc.status >= 400 {
		return nil, b.fail(KindForStatus(doc.status), doc.status, errors.New(http.StatusText(doc.status)))
	}

	html, err := p.HTML()
	if err != nil {
		return nil, b.fail(kindForTransport(ctx, err), doc.status, fmt.Errorf("read document: %w", err))
	}
	if info, err := p.Info(); err == nil && info.URL != "" {
		doc.url = info.URL
	}
	b.log.Debug().Str("url", url).Int("status", doc.status).Str("mimeType", doc.mimeType).
		Int("size", len(html)).Msg("Rendered")
	// the DOM is serialized as HTML whatever was loaded
	return &Content{
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		FinalURL:    doc.url,
		StatusCode:  doc.status,
	}, nil
}

func (b *Browser) hijack(h *rod.Hijack) {
	if shouldBlock(b.block, string(h.Request.Type())) {
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		return
	}
	h.ContinueRequest(&proto.FetchContinueRequest{})
}

// shouldBlock maps CDP resource types to the configured names.
func shouldBlock(block map[string]bool, resType string) bool {
	lower := strings.ToLower(resType)
	switch lower {
	case "image":
		return block["images"] || block[lower]
	case "font":
		return block["fonts"] || block[lower]
	case "stylesheet":
		return block["stylesheets"] || block[lower]
	}
	return block[lower]
}

// reset drops a browser that stopped responding so the next fetch reconnects.
func (b *Browser) reset(br *rod.Browser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == br {
		b.log.Warn().Msg("Resetting browser connection")
		b.cleanup()
	}
}

func (b *Browser) cleanup() {
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}

// Close shuts the browser down. Fetch fails afterwards.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cleanup()
	return nil
}
