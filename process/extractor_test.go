package process

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIExtractorNeedsModel(t *testing.T) {
	_, err := NewOpenAIExtractor(OpenAIConfig{})
	assert.Error(t, err)
}

func TestOpenAIExtract(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  42 coins \n"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	}))
	defer server.Close()

	e, err := NewOpenAIExtractor(OpenAIConfig{
		APIKey:        "secret",
		BaseURL:       server.URL + "/v1/",
		Model:         "test-model",
		MaxInputBytes: 20,
	})
	require.NoError(t, err)

	doc := "Widgets cost 42 coins. " + strings.Repeat("filler ", 100)
	out, contentType, err := e.Extract(context.Background(), "https://x.test/shop", "price", []byte(doc), "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "42 coins", string(out))
	assert.Equal(t, "text/plain; charset=utf-8", contentType)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "Query: price")
	assert.Contains(t, got.Messages[1].Content, "Widgets cost 42 coin")
	assert.NotContains(t, got.Messages[1].Content, "filler filler", "document was not cut")
}

func TestOpenAIExtractErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[]}`))
	}))
	defer server.Close()

	e, err := NewOpenAIExtractor(OpenAIConfig{BaseURL: server.URL, Model: "m"})
	require.NoError(t, err)
	_, _, err = e.Extract(context.Background(), "https://x.test/", "price", []byte("doc"), "text/plain")
	assert.Error(t, err)
	_, _, err = e.Extract(context.Background(), "https://x.test/", " ", []byte("doc"), "text/plain")
	assert.Error(t, err)
}
