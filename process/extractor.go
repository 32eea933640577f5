package process

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

const (
	defaultMaxInputBytes = 64 << 10
	defaultTimeout       = 60 * time.Second

	extractionPrompt = "You extract information from documents. " +
		"Answer the query using only the document. " +
		"Reply with the extracted information and nothing else. " +
		"If the document does not contain it, reply with NOT FOUND."
)

type OpenAIConfig struct {
	// APIKey for the endpoint. Local OpenAI-compatible servers may not need one.
	APIKey string
	// BaseURL of an OpenAI-compatible API, e.g. http://localhost:11434/v1.
	// Defaults to the OpenAI cloud.
	BaseURL string
	// Model to use. Required.
	Model string
	// MaxInputBytes of document text sent to the model. Longer input is cut.
	MaxInputBytes int
	// Timeout of the HTTP client.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// OpenAIExtractor answers extraction queries with a chat completion model.
type OpenAIExtractor struct {
	client   *openai.Client
	model    string
	maxInput int
	log      zerolog.Logger
}

func NewOpenAIExtractor(config OpenAIConfig) (*OpenAIExtractor, error) {
	if config.Model == "" {
		return nil, errors.New("extraction model is required")
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxInput := config.MaxInputBytes
	if maxInput <= 0 {
		maxInput = defaultMaxInputBytes
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIExtractor{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    config.Model,
		maxInput: maxInput,
		log:      logger.With().Str("component", "extractor").Str("model", config.Model).Logger(),
	}, nil
}

// Extract answers query from the document and returns the answer as plain text.
func (e *OpenAIExtractor) Extract(ctx context.Context, sourceURL, query string, body []byte, contentType string) ([]byte, string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, "", errors.New("extraction query is empty")
	}
	doc := string(body)
	if len(doc) > e.maxInput {
		e.log.Debug().Str("url", sourceURL).Int("size", len(doc)).Msg("Cutting document for extraction")
		doc = doc[:e.maxInput]
	}
	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
				"Query: %s\nSource: %s\nContent-Type: %s\n\nDocument:\n%s", query, sourceURL, contentType, doc)},
		},
		Temperature: 0,
	}
	start := time.Now()
	res, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("extract %q from %s: %w", query, sourceURL, err)
	}
	if len(res.Choices) == 0 {
		return nil, "", fmt.Errorf("extract %q from %s: no choices returned", query, sourceURL)
	}
	answer := strings.TrimSpace(res.Choices[0].Message.Content)
	e.log.Debug().Str("url", sourceURL).Str("query", query).Dur("took", time.Since(start)).
		Int("tokens", res.Usage.TotalTokens).Msg("Extracted")
	return []byte(answer), "text/plain; charset=utf-8", nil
}
