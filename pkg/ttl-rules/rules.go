// Package ttlrules lets operators adjust origin caching headers per URL.
package ttlrules

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

type Rule struct {
	// Prefix of the full source URL, e.g. https://news.example.com/.
	Prefix string `yaml:"prefix"`
	// Path must equal the URL path if set.
	Path string `yaml:"path"`
	// Default is the Cache-Control value used when the origin sends none.
	Default string `yaml:"default"`
	// Override replaces the origin Cache-Control value.
	Override string `yaml:"override"`
	// Query parameters that must be present. An empty value matches any value.
	Query map[string]string `yaml:"query"`
}

// Apply returns a copy of the origin header with the matching rule applied.
// The origin header is never modified.
func (r Rules) Apply(rawURL string, header http.Header) http.Header {
	res := header.Clone()
	if res == nil {
		res = make(http.Header)
	}
	if rule := r.Find(rawURL); rule != nil {
		applyRuleToHeader(*rule, res)
	}
	return res
}

func applyRuleToHeader(rule Rule, header http.Header) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		header.Set("Cache-Control", rule.Default)
	}
}

// Find returns the most specific matching rule: path rules first, then the
// longest prefix. Among equally specific rules the first one wins.
func (r Rules) Find(rawURL string) *Rule {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	log.Trace().Msgf("Finding rule for %s", rawURL)
	var best *Rule
	bestLen := -1
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != u.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(rawURL, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := u.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		// an exact path is as specific as the whole url
		score := len(rule.Prefix)
		if rule.Path != "" {
			score = len(rawURL)
		}
		if score > bestLen {
			best = rule
			bestLen = score
		}
	}
	return best
}
