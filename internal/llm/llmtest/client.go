// Package llmtest provides a scripted fake LLM client for tests. Responses
// play back in order; the recorded prompts let tests assert on what the
// model was actually asked.
package llmtest

import (
	"context"
	"sync"
)

// Response is one scripted turn: the text to return, or the error instead.
type Response struct {
	Text string
	Err  error
}

// Client implements llm.Client from a fixed script. When the script runs
// out, the last response repeats. Safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	script  []Response
	calls   int
	Prompts []string
}

// NewClient builds a fake that plays back the given responses in order.
func NewClient(script ...Response) *Client {
	return &Client{script: script}
}

// Complete records the prompt and returns the next scripted response.
func (c *Client) Complete(_ context.Context, prompt string, _ int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Prompts = append(c.Prompts, prompt)
	i := c.calls
	c.calls++
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	if i < 0 {
		return "", nil
	}
	r := c.script[i]
	return r.Text, r.Err
}

// Calls reports how many completions were requested.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
