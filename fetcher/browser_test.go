package fetcher

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldBlock(t *testing.T) {
	block := map[string]bool{"images": true, "fonts": true, "xhr": true}
	assert.True(t, shouldBlock(block, "Image"))
	assert.True(t, shouldBlock(block, "Font"))
	assert.True(t, shouldBlock(block, "XHR"))
	assert.False(t, shouldBlock(block, "Stylesheet"))
	assert.False(t, shouldBlock(block, "Document"))
}

func TestBrowserClosed(t *testing.T) {
	b := NewBrowser(BrowserConfig{})
	assert.Equal(t, "enhanced", b.Name())
	require.NoError(t, b.Close())
	_, err := b.Fetch(context.Background(), "https://x.test/")
	assert.Equal(t, KindNetwork, KindOf(err))
}

// A DevTools endpoint that accepts connections but never answers the
// handshake must not hold the attempt past its deadline.
func TestBrowserStartHonorsDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	defer func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	b := NewBrowser(BrowserConfig{
		RemoteURL:    "ws://" + ln.Addr().String() + "/devtools/browser/stuck",
		StartTimeout: 5 * time.Second,
	})
	defer b.Close()

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		start := time.Now()
		_, err := b.Fetch(ctx, "https://x.test/")
		cancel()
		assert.Equal(t, KindTimeout, KindOf(err))
		assert.Less(t, time.Since(start), 2*time.Second)
	}
}

// Needs a local Chrome, so it only runs when FETCHCACHE_BROWSER_TESTS is set.
func TestBrowserFetch(t *testing.T) {
	if os.Getenv("FETCHCACHE_BROWSER_TESTS") == "" {
		t.Skip("FETCHCACHE_BROWSER_TESTS not set")
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><div id="root"></div>
			<script>document.getElementById("root").textContent = "rendered by script"</script>
			</body></html>`))
	}))
	defer server.Close()

	b := NewBrowser(BrowserConfig{BlockResources: []string{"images"}})
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content, err := b.Fetch(ctx, server.URL)
	require.NoError(t, err)
	assert.Contains(t, string(content.Body), "rendered by script")

	_, err = b.Fetch(ctx, server.URL+"/missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}
