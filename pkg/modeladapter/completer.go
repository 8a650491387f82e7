package modeladapter

import (
	"context"

	"github.com/germanamz/qwen/pkg/chats/message"
	"github.com/germanamz/qwen/pkg/modeladapter/usage"
)

const (
	// DefaultStop is the stop sequence NewChatRequest starts from.
	DefaultStop = "***"

	// MaxAttempts bounds the truncation-recovery loop. Attempts are counted
	// from zero, so at most MaxAttempts+1 exchanges are made per call.
	MaxAttempts = 5
)

// ChatRequest describes one chat call.
type ChatRequest struct {
	Turns   []message.Message // Conversation, oldest first. Read, never retained.
	System  string            // System instruction, sent as the first turn.
	Stop    string            // Stop sequence, sent verbatim. Empty is sent as empty.
	Attempt int               // Starting attempt number; usually zero.
}

// CallOption customizes a ChatRequest.
type CallOption func(*ChatRequest)

// WithStop sets the stop sequence. WithStop("") sends an empty one.
func WithStop(seq string) CallOption {
	return func(r *ChatRequest) { r.Stop = seq }
}

// WithAttempt sets the starting attempt number.
func WithAttempt(n int) CallOption {
	return func(r *ChatRequest) { r.Attempt = n }
}

// NewChatRequest builds a ChatRequest with DefaultStop applied before opts.
func NewChatRequest(turns []message.Message, system string, opts ...CallOption) ChatRequest {
	r := ChatRequest{
		Turns:  turns,
		System: system,
		Stop:   DefaultStop,
	}
	for _, o := range opts {
		o(&r)
	}
	return r
}

// Reply is the outcome of a successful chat call.
type Reply struct {
	Content      string
	FinishReason string
	Attempts     int              // Exchanges performed.
	Dropped      int              // Oldest turns dropped to recover from length truncation.
	Usage        usage.TokenCount // Summed over all exchanges.
}

// Completer sends a conversation to a model and returns its reply.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (Reply, error)
}

// Embedder converts text into an embedding vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float64, error)
}

// UsageReporter provides token usage information from an adapter.
// Adapters that embed ModelAdapter implement this interface automatically.
type UsageReporter interface {
	UsageTracker() *usage.Tracker
}
