package fetcher

import (
	"bytes"
	"strings"
)

const (
	minSufficientBytes = 256
	minTextRatio       = 0.10
	minTextChars       = 200
)

var spaIndicators = [][]byte{
	[]byte(`<div id="root"></div>`),
	[]byte(`<div id="app"></div>`),
	[]byte(`<div id="__next"></div>`),
	[]byte("<noscript>you need to enable javascript"),
	[]byte("<noscript>enable javascript"),
}

// IsSufficient reports whether an HTML body carries enough visible text to
// be useful without running scripts. Empty application shells are not.
func IsSufficient(html []byte) bool {
	if len(html) < minSufficientBytes {
		return false
	}
	text, markup := textMarkupCounts(html)
	if text+markup == 0 {
		return false
	}
	if float64(text)/float64(text+markup) < minTextRatio || text < minTextChars {
		return false
	}
	lower := bytes.ToLower(html)
	for _, ind := range spaIndicators {
		if bytes.Contains(lower, ind) {
			return false
		}
	}
	return true
}

// textMarkupCounts returns the approximate number of visible non-space text
// bytes and markup bytes. Script and style bodies count as markup.
func textMarkupCounts(html []byte) (text, markup int) {
	s := string(html)
	inTag := false
	for i := 0; i < len(s); {
		ch := s[i]
		switch {
		case ch == '<':
			if n := rawElementLen(s[i:]); n > 0 {
				markup += n
				i += n
				continue
			}
			inTag = true
			markup++
		case ch == '>':
			inTag = false
			markup++
		case inTag:
			markup++
		case ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r':
			text++
		}
		i++
	}
	return text, markup
}

// rawElementLen returns the length of a script or style element starting at
// the beginning of s, up to and including its closing tag, or 0.
func rawElementLen(s string) int {
	head := strings.ToLower(s[:min(len(s), len("<script"))])
	for _, name := range []string{"script", "style"} {
		if !strings.HasPrefix(head, "<"+name) {
			continue
		}
		closing := strings.Index(strings.ToLower(s), "</"+name)
		if closing < 0 {
			return len(s)
		}
		if end := strings.IndexByte(s[closing:], '>'); end >= 0 {
			return closing + end + 1
		}
		return len(s)
	}
	return 0
}
