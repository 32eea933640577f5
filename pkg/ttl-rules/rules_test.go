package ttlrules

import (
	"net/http"
	"testing"
)

func TestRuleFinder(t *testing.T) {
	rules := Rules{
		Rule{Override: "default"},
		Rule{Prefix: "https://x.test/wp-", Override: "no-cache"},
		Rule{Prefix: "https://x.test/wp-admin/", Override: "no-store"},
		Rule{Prefix: "https://x.test/", Query: map[string]string{"preview": ""}, Override: "max-age=1"},
		Rule{Path: "/feed", Override: "max-age=60"},
	}

	if rule := rules.Find("https://x.test/"); rule == nil || rule.Override != "default" {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find("https://x.test/wp-login"); rule == nil || rule.Override != "no-cache" {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find("https://x.test/wp-admin/index.php"); rule == nil || rule.Override != "no-store" {
		t.Fatal("Longest prefix did not win")
	}
	if rule := rules.Find("https://x.test/post?preview=1"); rule == nil || rule.Override != "max-age=1" {
		t.Fatal("Query rule not matched")
	}
	if rule := rules.Find("https://y.test/feed"); rule == nil || rule.Override != "max-age=60" {
		t.Fatal("Path rule not matched")
	}
	if rule := (Rules{}).Find("https://x.test/"); rule != nil {
		t.Fatal("Empty rules matched")
	}
}

func TestApply(t *testing.T) {
	origin := make(http.Header)
	defaultRules := Rules{Rule{Default: "default"}}
	overrideRules := Rules{Rule{Override: "override"}}

	// try to apply default
	if cc := defaultRules.Apply("https://x.test/", origin).Get("Cache-Control"); cc != "default" {
		t.Fatalf("Cache-Control header wrong, is '%s'", cc)
	}
	if origin.Get("Cache-Control") != "" {
		t.Fatal("Origin header was modified")
	}

	// change cc and check default is not set
	origin.Set("Cache-Control", "no-cache")
	if cc := defaultRules.Apply("https://x.test/", origin).Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control header wrong, is '%s'", cc)
	}

	// check that override works
	if cc := overrideRules.Apply("https://x.test/", origin).Get("Cache-Control"); cc != "override" {
		t.Fatalf("Cache-Control header wrong, is '%s'", cc)
	}

	// nil header
	if cc := overrideRules.Apply("https://x.test/", nil).Get("Cache-Control"); cc != "override" {
		t.Fatalf("Cache-Control header wrong, is '%s'", cc)
	}
}
