package tokens

import (
	"strings"
	"testing"
)

func newCounter(t *testing.T) *Counter {
	t.Helper()
	c, err := NewCounter()
	if err != nil {
		t.Skipf("BPE ranks unavailable: %v", err)
	}
	return c
}

func TestCountMatchesCountReader(t *testing.T) {
	c := newCounter(t)
	content := strings.Repeat("func process(ctx context.Context) error { return nil }\n", 200)

	whole := c.Count(content)
	streamed, err := c.CountReader(strings.NewReader(content))
	if err != nil {
		t.Fatalf("CountReader: %v", err)
	}

	// Chunked counting may split tokens at chunk boundaries, so the
	// streamed count is an upper bound within a small margin.
	if streamed < whole {
		t.Errorf("streamed count %d below whole-string count %d", streamed, whole)
	}
	if streamed > whole+whole/10+8 {
		t.Errorf("streamed count %d too far above whole-string count %d", streamed, whole)
	}
}

func TestTruncateMiddleUnderBudgetUnchanged(t *testing.T) {
	c := newCounter(t)
	content := "short file"

	out, cut := c.TruncateMiddle(content, 1000)
	if cut {
		t.Error("content under budget reported as cut")
	}
	if out != content {
		t.Errorf("content changed: %q", out)
	}
}

func TestTruncateMiddleKeepsHeadAndTail(t *testing.T) {
	c := newCounter(t)
	head := "package alpha // HEAD-MARKER\n"
	tail := "\nfunc omega() {} // TAIL-MARKER\n"
	content := head + strings.Repeat("var filler = 12345\n", 2000) + tail

	out, cut := c.TruncateMiddle(content, 200)
	if !cut {
		t.Fatal("oversized content not cut")
	}
	if !strings.Contains(out, "HEAD-MARKER") {
		t.Error("head window lost")
	}
	if !strings.Contains(out, "TAIL-MARKER") {
		t.Error("tail window lost")
	}
	if !strings.Contains(out, Sentinel) {
		t.Error("sentinel marker missing at the cut point")
	}
	if got := c.Count(out); got > 210 {
		t.Errorf("truncated content still %d tokens, budget 200", got)
	}
}
