package freshness

import (
	"net/http"
	"testing"
	"time"
)

func TestMaxAge(t *testing.T) {
	cc := ParseCacheControl([]string{"max-age=60"})
	val, ok := cc.Get("max-age")
	if !ok {
		t.Fatal("Could not get directive")
	}
	if val != "60" {
		t.Fatalf("Value is %s", val)
	}
	if d, ok := cc.MaxAge(); !ok || d != time.Minute {
		t.Fatalf("MaxAge is %s", d)
	}
}

func TestReal(t *testing.T) {
	cc := ParseCacheControl([]string{"public, max-age=0, s-maxage=600", `Private="x"`})
	if val, ok := cc.Get("public"); !ok || val != "" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("max-age"); !ok || val != "0" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("s-maxage"); !ok || val != "600" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("private"); !ok || val != "x" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
}

func TestFromHeader(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	header := func(kv ...string) http.Header {
		h := make(http.Header)
		for i := 0; i < len(kv); i += 2 {
			h.Add(kv[i], kv[i+1])
		}
		return h
	}
	tests := []struct {
		name   string
		header http.Header
		want   Hint
	}{
		{"none", header(), Hint{}},
		{"nil", nil, Hint{}},
		{"max-age", header("Cache-Control", "max-age=300"), Hint{TTL: 5 * time.Minute}},
		{"s-maxage wins", header("Cache-Control", "max-age=300, s-maxage=60"), Hint{TTL: time.Minute}},
		{"age subtracted", header("Cache-Control", "max-age=300", "Age", "100"), Hint{TTL: 200 * time.Second}},
		{"too old", header("Cache-Control", "max-age=300", "Age", "400"), Hint{}},
		{"no-store", header("Cache-Control", "max-age=300, no-store"), Hint{NoStore: true}},
		{"no-cache", header("Cache-Control", "no-cache"), Hint{}},
		{"max-age zero", header("Cache-Control", "max-age=0"), Hint{}},
		{"expires with date", header(
			"Expires", now.Add(2*time.Hour).Format(http.TimeFormat),
			"Date", now.Add(time.Hour).Format(http.TimeFormat),
		), Hint{TTL: time.Hour}},
		{"expires without date", header("Expires", now.Add(time.Hour).Format(http.TimeFormat)), Hint{TTL: time.Hour}},
		{"expires in the past", header("Expires", now.Add(-time.Hour).Format(http.TimeFormat)), Hint{}},
		{"invalid expires", header("Expires", "0"), Hint{}},
	}
	for _, test := range tests {
		if got := FromHeader(test.header, now); got != test.want {
			t.Errorf("%s: got %+v, expected %+v", test.name, got, test.want)
		}
	}
}
