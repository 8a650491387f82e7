package modeladapter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/germanamz/qwen/pkg/chats/message"
)

// SendChat runs a chat call through c and returns the reply text. Failures
// are logged and collapsed into the Msg* strings, so callers cannot tell a
// failure from a reply with the same words. The only error returned is one
// wrapping ErrInvalidRequest.
func SendChat(ctx context.Context, c Completer, log *slog.Logger, turns []message.Message, system string, opts ...CallOption) (string, error) {
	reply, err := c.Complete(ctx, NewChatRequest(turns, system, opts...))
	if err == nil {
		return reply.Content, nil
	}

	if errors.Is(err, ErrInvalidRequest) {
		return "", err
	}

	if !errors.Is(err, ErrNoContent) && !errors.Is(err, ErrTooManyRetries) {
		orDiscard(log).ErrorContext(ctx, "chat request failed", "error", err)
	}

	return Sentinel(err), nil
}

// Embed runs an embedding call through e. On success it returns the vector
// and an empty string; otherwise nil and one of the Msg* strings. An
// ErrInvalidRequest has no error return here: it is logged at error level
// and reported as MsgFailed. Use EmbedText to tell it apart.
func Embed(ctx context.Context, e Embedder, log *slog.Logger, text string) ([]float64, string) {
	vec, err := e.EmbedText(ctx, text)
	if err == nil {
		return vec, ""
	}

	log = orDiscard(log)
	switch {
	case errors.Is(err, ErrEmptyInput):
		log.ErrorContext(ctx, MsgInvalidEmbeddingInput)
	case errors.Is(err, ErrNoEmbedding):
	default:
		log.ErrorContext(ctx, "embedding request failed", "error", err)
	}

	return nil, Sentinel(err)
}
