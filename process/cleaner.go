// Package process turns raw fetched documents into the cleaned and
// extracted cache tiers.
package process

import (
	"context"
	"fmt"
	"strings"

	"github.com/always-cache/fetch-cache/fetcher"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MarkdownContentType is the content type of cleaned HTML documents.
const MarkdownContentType = "text/markdown; charset=utf-8"

type CleanerConfig struct {
	// Policy used to sanitize HTML before conversion.
	// Defaults to bluemonday's UGC policy.
	Policy *bluemonday.Policy
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Cleaner converts HTML into readable markdown.
// Documents of other types are passed through unchanged.
type Cleaner struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
	log    zerolog.Logger
}

func NewCleaner(config CleanerConfig) *Cleaner {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	policy := config.Policy
	if policy == nil {
		policy = bluemonday.UGCPolicy()
	}
	return &Cleaner{
		policy: policy,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		log: logger.With().Str("component", "cleaner").Logger(),
	}
}

// Clean returns the cleaned document and its content type.
// Relative links are resolved against sourceURL.
func (c *Cleaner) Clean(ctx context.Context, sourceURL string, body []byte, contentType string) ([]byte, string, error) {
	if !fetcher.IsHTML(contentType) && !looksLikeHTML(body) {
		c.log.Trace().Str("url", sourceURL).Str("contentType", contentType).Msg("Passing non-HTML document through")
		return body, contentType, nil
	}
	sanitized := c.policy.SanitizeBytes(body)
	md, err := c.conv.ConvertString(string(sanitized),
		converter.WithDomain(sourceURL),
		converter.WithContext(ctx),
	)
	if err != nil {
		return nil, "", fmt.Errorf("convert %s to markdown: %w", sourceURL, err)
	}
	md = strings.TrimSpace(md)
	c.log.Trace().Str("url", sourceURL).Int("in", len(body)).Int("out", len(md)).Msg("Cleaned document")
	return []byte(md), MarkdownContentType, nil
}

// looksLikeHTML sniffs documents served without a content type.
func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}
