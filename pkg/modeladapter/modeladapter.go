package modeladapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/germanamz/qwen/pkg/modeladapter/usage"
)

// RequestIDHeader carries the per-exchange id generated by PostJSON.
const RequestIDHeader = "X-Request-Id"

// Auth holds authentication settings for a provider API.
type Auth struct {
	Key    string // API key value.
	Header string // Header name (default: "Authorization").
	Scheme string // Scheme prefix (default: "Bearer" when Header is "Authorization").
}

// Limiter gates single HTTP exchanges. call performs one exchange and
// reports the tokens it consumed; Do may call it again after a rate-limit
// response.
type Limiter interface {
	Do(ctx context.Context, call func() (tokens int, err error)) error
}

// TokenReporter is implemented by decoded responses that carry token usage
// for the exchange that produced them.
type TokenReporter interface {
	ExchangeTokens() int
}

// ModelAdapter holds shared state for provider implementations. Embed it in
// concrete adapter structs to get the authenticated JSON exchange, custom
// headers, and usage tracking.
//
// All exported fields are set during construction and must not be modified
// afterwards; a ModelAdapter is then safe for concurrent use.
type ModelAdapter struct {
	Name    string            // Model identifier (e.g. "qwen-plus").
	Auth    Auth              // Authentication settings.
	Client  *http.Client      // HTTP client; falls back to a client with a 10-minute timeout.
	Headers map[string]string // Extra headers applied to every request.
	Log     *slog.Logger      // Diagnostics; nil discards.
	Usage   usage.Tracker     // Token usage tracker.

	limiter       Limiter
	clientOnce    sync.Once
	defaultClient *http.Client
}

// New creates a ModelAdapter with the given settings.
// A nil client falls back to a default client at call time.
func New(auth Auth, client *http.Client) ModelAdapter {
	return ModelAdapter{
		Auth:   auth,
		Client: client,
	}
}

// SetLimiter makes Limit route exchanges through l. It must be called before
// the adapter is used.
func (a *ModelAdapter) SetLimiter(l Limiter) { a.limiter = l }

// UsageTracker returns the adapter's token usage tracker.
func (a *ModelAdapter) UsageTracker() *usage.Tracker { return &a.Usage }

// Logger returns the configured logger, or one that discards everything.
func (a *ModelAdapter) Logger() *slog.Logger {
	return orDiscard(a.Log)
}

// httpClient returns the configured client or a cached default client with a 10-minute timeout.
func (a *ModelAdapter) httpClient() *http.Client {
	if a.Client != nil {
		return a.Client
	}

	a.clientOnce.Do(func() {
		a.defaultClient = &http.Client{Timeout: 10 * time.Minute}
	})

	return a.defaultClient
}

// NewRequest builds an *http.Request for url with auth and custom headers
// already applied.
func (a *ModelAdapter) NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	if a.Auth.Key != "" {
		header := a.Auth.Header
		if header == "" {
			header = "Authorization"
		}

		value := a.Auth.Key
		if header == "Authorization" {
			scheme := a.Auth.Scheme
			if scheme == "" {
				scheme = "Bearer"
			}

			value = scheme + " " + value
		} else if a.Auth.Scheme != "" {
			value = a.Auth.Scheme + " " + value
		}

		req.Header.Set(header, value)
	}

	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Do sends the request using the configured HTTP client.
func (a *ModelAdapter) Do(req *http.Request) (*http.Response, error) {
	return a.httpClient().Do(req) //nolint:gosec // URL comes from adapter configuration, not user input.
}

// Limit runs one HTTP exchange through the Limiter set with SetLimiter, or
// directly when there is none. call may run again after a rate-limit
// response. A successful exchange is charged the tokens dest reports through
// TokenReporter.
func (a *ModelAdapter) Limit(ctx context.Context, dest any, call func() error) error {
	if a.limiter == nil {
		return call()
	}

	return a.limiter.Do(ctx, func() (int, error) {
		if err := call(); err != nil {
			return 0, err
		}
		if tr, ok := dest.(TokenReporter); ok {
			return tr.ExchangeTokens(), nil
		}
		return 0, nil
	})
}

// PostJSON marshals payload as JSON, POSTs it to url, and decodes the
// response body into dest. A non-2xx status yields a *StatusError (or a
// *RateLimitError for 429); a body that is not valid JSON yields an error
// wrapping ErrDecode. If dest is nil the body is discarded after the status
// check.
func (a *ModelAdapter) PostJSON(ctx context.Context, url string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := a.NewRequest(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, requestID)

	log := a.Logger().With("request_id", requestID, "model", a.Name)

	resp, err := a.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := newStatusError(resp, respBody, requestID)
		log.DebugContext(ctx, "request failed",
			"status", resp.StatusCode,
			"reason", statusErr.Reason,
			"body", string(respBody),
		)

		if resp.StatusCode == http.StatusTooManyRequests {
			return &RateLimitError{
				StatusError: statusErr,
				RetryAfter:  ParseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}

		return statusErr
	}

	if dest == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, dest); err != nil {
		log.DebugContext(ctx, "failed to parse response JSON", "error", err)
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return nil
}

func orDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return log
}
