package cachekey

import (
	"strings"
	"testing"
	"time"
)

func TestURIRoundTrip(t *testing.T) {
	keyer := NewCacheKeyer("", nil)
	uri := keyer.NewURI("extracted", "https://x.test/page", "list the authors")
	parts, err := keyer.ParseURI(uri)
	if err != nil {
		t.Fatalf("%s: %s", uri, err)
	}
	if parts.Tier != "extracted" || parts.NormalizedURL != "https://x.test/page" || parts.Query != "list the authors" {
		t.Fatalf("Parsed uri %s as %+v", uri, parts)
	}
	if parts.Version == "" {
		t.Fatalf("No version in %s", uri)
	}
}

func TestURIIncludesScheme(t *testing.T) {
	keyer := NewCacheKeyer("this-is-the-scheme", nil)
	if uri := keyer.NewURI("raw", "https://x.test/", ""); !strings.HasPrefix(uri, "this-is-the-scheme://raw/") {
		t.Fatalf("URI is %s", uri)
	}
}

func TestURIsAreUniqueAndOrdered(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	keyer := NewCacheKeyer("", func() time.Time { return fixed })
	first := keyer.NewURI("raw", "https://x.test/a", "")
	second := keyer.NewURI("raw", "https://x.test/a", "")
	if first == second {
		t.Fatalf("URIs collide: %s", first)
	}
	if !(first < second) {
		t.Fatalf("URIs not ordered: %s >= %s", first, second)
	}
	// Versions order across tiers and URLs too.
	third := keyer.NewURI("cleaned", "https://a.test/", "")
	v2, err := keyer.ParseURI(second)
	if err != nil {
		t.Fatal(err)
	}
	v3, err := keyer.ParseURI(third)
	if err != nil {
		t.Fatal(err)
	}
	if !(v2.Version < v3.Version) {
		t.Fatalf("Versions not ordered: %s >= %s", v2.Version, v3.Version)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"HTTPS://X.Test/a#frag":     "https://x.test/a",
		"https://x.test":            "https://x.test/",
		"http://x.test:80/a?b=1":    "http://x.test/a?b=1",
		"https://x.test:443/A":      "https://x.test/A",
		"https://x.test:8443/a":     "https://x.test:8443/a",
		"  https://user@x.test/a  ": "https://x.test/a",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %s", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeURLRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "ftp://x.test/a", "/relative", "https://", "::"} {
		if _, err := NormalizeURL(in); !IsInvalidKey(err) {
			t.Fatalf("NormalizeURL(%q) error = %v", in, err)
		}
	}
}
