package logging

import (
	"strings"
	"testing"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("shout", "json"); err == nil {
		t.Error("unknown level should fail")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestNewBuildsBothFormats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		logger, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(debug, %q): %v", format, err)
		}
		logger.Debug("probe")
		_ = logger.Sync()
	}
}

func TestSnippet(t *testing.T) {
	short := "a small response"
	if got := Snippet(short); got != short {
		t.Errorf("short input must pass through unchanged, got %q", got)
	}

	long := strings.Repeat("x", 500)
	got := Snippet(long)
	if !strings.Contains(got, "500 chars total") {
		t.Errorf("truncated snippet should report original length, got %q", got)
	}
	if len(got) >= len(long) {
		t.Error("snippet did not shrink the payload")
	}

	// Multi-byte runes must not be split.
	unicode := strings.Repeat("héllo wörld ", 40)
	if !strings.Contains(Snippet(unicode), "…") {
		t.Error("expected ellipsis on truncated unicode input")
	}
}
