// Package tokens counts BPE tokens with the same encoding the LLM uses, so
// the batcher's token caps and the middle-truncation budget line up with
// what the model actually sees.
package tokens

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// encodingName is the BPE model shared with the LLM endpoint.
const encodingName = "cl100k_base"

// chunkSize is how much content CountReader holds at a time. Counting in
// chunks keeps oversized files out of memory; the handful of tokens that
// straddle chunk boundaries make the count a slight overestimate, which is
// the safe direction for a batching cap.
const chunkSize = 64 * 1024

// Sentinel marks the cut point middle-truncation leaves behind.
const Sentinel = "\n\n[... content truncated ...]\n\n"

// Counter wraps one loaded BPE encoding. Safe for concurrent use.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter loads the shared encoding. The first call downloads or reads
// the cached BPE ranks; reuse one Counter per process.
func NewCounter() (*Counter, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", encodingName, err)
	}
	return &Counter{enc: enc}, nil
}

// Count returns the token count of s.
func (c *Counter) Count(s string) int {
	return len(c.enc.Encode(s, nil, nil))
}

// CountReader streams r through the tokenizer in fixed-size chunks and
// returns the total token count without ever holding the full content.
func (c *Counter) CountReader(r io.Reader) (int, error) {
	buf := make([]byte, chunkSize)
	total := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += len(c.enc.Encode(string(buf[:n]), nil, nil))
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read content for token count: %w", err)
		}
	}
}

// TruncateMiddle fits s into maxTokens by keeping a head and a tail window
// and splicing the sentinel between them. Head and tail carry the file's
// imports/declarations and its trailing definitions, which is where most
// POIs live. Returns s unchanged when it already fits; the bool reports
// whether anything was cut.
func (c *Counter) TruncateMiddle(s string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return s, false
	}
	toks := c.enc.Encode(s, nil, nil)
	if len(toks) <= maxTokens {
		return s, false
	}

	sentinelTokens := len(c.enc.Encode(Sentinel, nil, nil))
	budget := maxTokens - sentinelTokens
	if budget < 2 {
		// Budget too small for windows on both sides; keep what fits of
		// the head and the sentinel.
		head := c.enc.Decode(toks[:max(maxTokens, 1)])
		return head, true
	}

	headLen := budget / 2
	tailLen := budget - headLen

	var b strings.Builder
	b.WriteString(c.enc.Decode(toks[:headLen]))
	b.WriteString(Sentinel)
	b.WriteString(c.enc.Decode(toks[len(toks)-tailLen:]))
	return b.String(), true
}
