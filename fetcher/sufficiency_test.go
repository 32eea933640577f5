package fetcher

import (
	"strings"
	"testing"
)

func TestIsSufficient(t *testing.T) {
	tests := []struct {
		name string
		html string
		want bool
	}{
		{"article", articleHTML, true},
		{"spa shell", shellHTML, false},
		{"tiny", "<p>hi</p>", false},
		{"markup heavy", "<div>" + strings.Repeat(`<span class="a-very-long-class-name"></span>`, 50) + "x</div>", false},
		{"root div with text", `<div id="root"></div>` + "<p>" + strings.Repeat("word ", 100) + "</p>", false},
		{"style only", "<style>" + strings.Repeat("body{color:red}", 40) + "</style>", false},
	}
	for _, test := range tests {
		if got := IsSufficient([]byte(test.html)); got != test.want {
			t.Errorf("%s: got %v, expected %v", test.name, got, test.want)
		}
	}
}

func TestTextMarkupCounts(t *testing.T) {
	text, markup := textMarkupCounts([]byte("<p>ab c</p><script>var x = 1;</script>"))
	if text != 3 {
		t.Fatalf("Text is %d", text)
	}
	if markup != len("<p></p><script>var x = 1;</script>") {
		t.Fatalf("Markup is %d", markup)
	}
}
