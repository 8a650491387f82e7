// Package usage tracks token consumption reported by the provider.
package usage

import "sync"

// TokenCount holds input and output token counts for a single chat exchange.
type TokenCount struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the sum of input and output tokens.
func (tc TokenCount) Total() int {
	return tc.InputTokens + tc.OutputTokens
}

// Plus returns the element-wise sum of tc and o.
func (tc TokenCount) Plus(o TokenCount) TokenCount {
	return TokenCount{
		InputTokens:  tc.InputTokens + o.InputTokens,
		OutputTokens: tc.OutputTokens + o.OutputTokens,
	}
}

// Summary is a point-in-time view of a Tracker.
type Summary struct {
	Chat            TokenCount // Summed over all chat exchanges.
	ChatCalls       int
	EmbeddingTokens int
	EmbeddingCalls  int
}

// Tracker accumulates token usage across chat and embedding exchanges.
// The zero value is ready to use. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	last   TokenCount
	totals Summary
}

// Add records the usage of one chat exchange.
func (t *Tracker) Add(tc TokenCount) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = tc
	t.totals.Chat = t.totals.Chat.Plus(tc)
	t.totals.ChatCalls++
}

// AddEmbedding records the usage of one embedding exchange.
func (t *Tracker) AddEmbedding(tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totals.EmbeddingTokens += tokens
	t.totals.EmbeddingCalls++
}

// Last returns the most recent chat token count.
// The bool is false when no chat exchange has been recorded.
func (t *Tracker) Last() (TokenCount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.last, t.totals.ChatCalls > 0
}

// Total returns the aggregate chat token count.
func (t *Tracker) Total() TokenCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.totals.Chat
}

// Summary returns a snapshot of everything recorded so far.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.totals
}

// Reset clears all recorded usage.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = TokenCount{}
	t.totals = Summary{}
}
