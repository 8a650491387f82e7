package modeladapter

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/germanamz/qwen/pkg/modeladapter/usage"
)

var (
	_ Completer = (*RateLimitedCompleter)(nil)
	_ Embedder  = (*RateLimitedCompleter)(nil)
	_ Limiter   = (*RateLimitedCompleter)(nil)
)

// exchangeLimited is implemented by completers that send their HTTP
// exchanges through a Limiter. ModelAdapter provides it.
type exchangeLimited interface {
	SetLimiter(l Limiter)
}

// errNotEmbedder is returned by EmbedText when the wrapped completer cannot embed.
var errNotEmbedder = errors.New("rate limit: wrapped completer does not implement Embedder")

type windowEntry struct {
	timestamp time.Time
	tokens    int
}

// RateLimitedCompleter wraps a Completer with proactive RPM/TPM throttling
// and reactive 429 retry with exponential backoff and jitter. Embedding calls
// go through the same window when the wrapped value also implements Embedder;
// they count as requests but not as tokens.
//
// A single Complete may perform several HTTP exchanges. When the wrapped
// completer accepts a Limiter (adapters embedding ModelAdapter do), the
// RateLimitedCompleter installs itself there, so each exchange is throttled,
// counted and retried on its own, and Complete and EmbedText pass straight
// through. Otherwise the whole call is treated as one request.
type RateLimitedCompleter struct {
	inner       Completer
	perExchange bool
	mu         sync.Mutex
	window     []windowEntry
	rpm        int           // requests-per-minute limit (0 = no limit)
	tpm        int           // total tokens-per-minute limit (0 = no limit)
	maxRetries int           // max retries on 429
	baseDelay  time.Duration // initial backoff delay

	fallbackTracker usage.Tracker

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
	randFunc  func() float64
}

// RateLimitOpts configures the RateLimitedCompleter.
type RateLimitOpts struct {
	RPM        int           // Requests per minute (0 = no limit).
	TPM        int           // Chat tokens per minute, input plus output (0 = no limit).
	MaxRetries int           // Max retries on 429 (default 3).
	BaseDelay  time.Duration // Initial backoff delay (default 1s).
}

// NewRateLimitedCompleter wraps a Completer with rate limiting.
func NewRateLimitedCompleter(inner Completer, opts RateLimitOpts) *RateLimitedCompleter {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}

	r := &RateLimitedCompleter{
		inner:      inner,
		rpm:        opts.RPM,
		tpm:        opts.TPM,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		nowFunc:    time.Now,
		sleepFunc:  contextSleep,
		randFunc:   rand.Float64,
	}

	if el, ok := inner.(exchangeLimited); ok {
		el.SetLimiter(r)
		r.perExchange = true
	}

	return r
}

// SetNowFunc overrides the time source (for testing).
func (r *RateLimitedCompleter) SetNowFunc(fn func() time.Time) { r.nowFunc = fn }

// SetSleepFunc overrides the sleep function (for testing).
func (r *RateLimitedCompleter) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	r.sleepFunc = fn
}

// SetRandFunc overrides the random number generator (for testing).
func (r *RateLimitedCompleter) SetRandFunc(fn func() float64) { r.randFunc = fn }

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pruneWindow removes entries older than 1 minute. Must be called with mu held.
func (r *RateLimitedCompleter) pruneWindow(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.window) && !r.window[i].timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		r.window = append(r.window[:0:0], r.window[i:]...)
	}
}

// windowTokens sums the tokens in the current window. Must be called with mu held.
func (r *RateLimitedCompleter) windowTokens() int {
	total := 0
	for _, e := range r.window {
		total += e.tokens
	}
	return total
}

// waitForCapacity blocks until there is room in both the RPM and TPM budgets.
func (r *RateLimitedCompleter) waitForCapacity(ctx context.Context) error {
	if r.rpm <= 0 && r.tpm <= 0 {
		return nil
	}

	for {
		r.mu.Lock()
		now := r.nowFunc()
		r.pruneWindow(now)

		rpmOK := r.rpm <= 0 || len(r.window) < r.rpm
		tpmOK := r.tpm <= 0 || r.windowTokens() < r.tpm
		if rpmOK && tpmOK {
			r.mu.Unlock()
			return nil
		}

		// The oldest entry expiring is the earliest point capacity can free up.
		var waitDur time.Duration
		if len(r.window) > 0 {
			waitDur = max(r.window[0].timestamp.Add(time.Minute).Sub(now), 0)
		}
		r.mu.Unlock()

		const minWait = 10 * time.Millisecond
		if waitDur < minWait {
			waitDur = minWait
		}

		if err := r.sleepFunc(ctx, waitDur); err != nil {
			return err
		}
	}
}

// record adds a window entry for one completed request.
func (r *RateLimitedCompleter) record(tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window = append(r.window, windowEntry{timestamp: r.nowFunc(), tokens: tokens})
}

// jitter applies ±25% random jitter to a duration.
func (r *RateLimitedCompleter) jitter(d time.Duration) time.Duration {
	factor := 0.75 + r.randFunc()*0.5 //nolint:mnd // jitter range: ±25%
	return time.Duration(float64(d) * factor)
}

// backoff returns the delay before retry number attempt (zero-based).
func (r *RateLimitedCompleter) backoff(attempt int, rle *RateLimitError) time.Duration {
	return r.jitter(max(
		r.baseDelay*time.Duration(math.Pow(2, float64(attempt))), //nolint:mnd // exponential backoff formula
		rle.RetryAfter,
	))
}

// withRetry waits for capacity and runs call, retrying on *RateLimitError up
// to r.maxRetries times. Every try, rejected or not, takes a window entry.
// tokens reports how much of the TPM budget a successful result consumed.
// Other errors are returned with whatever partial result call produced.
func withRetry[T any](ctx context.Context, r *RateLimitedCompleter, call func() (T, error), tokens func(T) int) (T, error) {
	var zero T

	var lastErr error
	for attempt := range r.maxRetries + 1 {
		if err := r.waitForCapacity(ctx); err != nil {
			return zero, err
		}

		res, err := call()
		if err == nil {
			r.record(tokens(res))
			return res, nil
		}

		var rle *RateLimitError
		if !errors.As(err, &rle) {
			return res, err
		}

		r.record(0)
		lastErr = err

		if attempt >= r.maxRetries {
			break
		}

		if err := r.sleepFunc(ctx, r.backoff(attempt, rle)); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

// Do implements Limiter: one HTTP exchange with throttling and 429 retry.
func (r *RateLimitedCompleter) Do(ctx context.Context, call func() (int, error)) error {
	_, err := withRetry(ctx, r, call, func(n int) int { return n })
	return err
}

// Complete implements Completer with proactive throttling and 429 retry.
func (r *RateLimitedCompleter) Complete(ctx context.Context, req ChatRequest) (Reply, error) {
	if r.perExchange {
		return r.inner.Complete(ctx, req)
	}

	return withRetry(ctx, r,
		func() (Reply, error) { return r.inner.Complete(ctx, req) },
		func(rep Reply) int { return rep.Usage.Total() },
	)
}

// EmbedText implements Embedder when the wrapped completer does.
func (r *RateLimitedCompleter) EmbedText(ctx context.Context, text string) ([]float64, error) {
	e, ok := r.inner.(Embedder)
	if !ok {
		return nil, errNotEmbedder
	}

	if r.perExchange {
		return e.EmbedText(ctx, text)
	}

	return withRetry(ctx, r,
		func() ([]float64, error) { return e.EmbedText(ctx, text) },
		func([]float64) int { return 0 },
	)
}

// UsageTracker forwards to the inner completer if it implements UsageReporter.
func (r *RateLimitedCompleter) UsageTracker() *usage.Tracker {
	if ur, ok := r.inner.(UsageReporter); ok {
		return ur.UsageTracker()
	}
	return &r.fallbackTracker
}
