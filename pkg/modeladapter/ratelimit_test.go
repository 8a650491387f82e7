package modeladapter_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/qwen/pkg/modeladapter"
	"github.com/germanamz/qwen/pkg/modeladapter/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompleter is a test double for modeladapter.Completer that also
// implements Embedder and UsageReporter.
type fakeCompleter struct {
	tracker  usage.Tracker
	handler  func(ctx context.Context, req modeladapter.ChatRequest) (modeladapter.Reply, error)
	embedder func(ctx context.Context, text string) ([]float64, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, req modeladapter.ChatRequest) (modeladapter.Reply, error) {
	return f.handler(ctx, req)
}

func (f *fakeCompleter) EmbedText(ctx context.Context, text string) ([]float64, error) {
	return f.embedder(ctx, text)
}

func (f *fakeCompleter) UsageTracker() *usage.Tracker { return &f.tracker }

// chatOnly implements Completer but not Embedder.
type chatOnly struct{}

func (chatOnly) Complete(context.Context, modeladapter.ChatRequest) (modeladapter.Reply, error) {
	return modeladapter.Reply{Content: "ok"}, nil
}

func rateLimited(body string) error {
	return &modeladapter.RateLimitError{StatusError: &modeladapter.StatusError{Status: 429, Body: body}}
}

func okReply(tokens int) modeladapter.Reply {
	return modeladapter.Reply{Content: "ok", Usage: usage.TokenCount{InputTokens: tokens}}
}

func TestRateLimitedCompleter_PassthroughOnSuccess(t *testing.T) {
	fc := &fakeCompleter{
		handler: func(_ context.Context, req modeladapter.ChatRequest) (modeladapter.Reply, error) {
			return modeladapter.Reply{Content: req.System}, nil
		},
	}

	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{})
	reply, err := rl.Complete(context.Background(), modeladapter.ChatRequest{System: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", reply.Content)
}

func TestRateLimitedCompleter_RetryOn429(t *testing.T) {
	var calls atomic.Int32
	fc := &fakeCompleter{
		handler: func(_ context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
			if calls.Add(1) <= 2 {
				return modeladapter.Reply{}, rateLimited("slow down")
			}
			return okReply(1), nil
		},
	}

	var delays []time.Duration
	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	})
	rl.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	rl.SetRandFunc(func() float64 { return 0.5 }) // zero jitter

	reply, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Content)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestRateLimitedCompleter_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	fc := &fakeCompleter{
		handler: func(_ context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
			if calls.Add(1) == 1 {
				return modeladapter.Reply{}, &modeladapter.RateLimitError{
					StatusError: &modeladapter.StatusError{Status: 429},
					RetryAfter:  5 * time.Second,
				}
			}
			return okReply(1), nil
		},
	}

	var delay time.Duration
	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{BaseDelay: time.Millisecond})
	rl.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		delay = d
		return nil
	})
	rl.SetRandFunc(func() float64 { return 0.5 })

	_, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, delay)
}

func TestRateLimitedCompleter_MaxRetriesExhausted(t *testing.T) {
	fc := &fakeCompleter{
		handler: func(_ context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
			return modeladapter.Reply{}, rateLimited("overloaded")
		},
	}

	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
	})
	rl.SetSleepFunc(func(_ context.Context, _ time.Duration) error { return nil })

	_, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.Error(t, err)

	var rle *modeladapter.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "overloaded", rle.Body)
}

func TestRateLimitedCompleter_NonRateLimitErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	fc := &fakeCompleter{
		handler: func(_ context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
			calls.Add(1)
			return modeladapter.Reply{Attempts: 6, Dropped: 5}, modeladapter.ErrTooManyRetries
		},
	}

	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{})

	reply, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.ErrorIs(t, err, modeladapter.ErrTooManyRetries)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 5, reply.Dropped)
}

func TestRateLimitedCompleter_ContextCancellation(t *testing.T) {
	fc := &fakeCompleter{
		handler: func(_ context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
			return modeladapter.Reply{}, rateLimited("wait")
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
	})
	rl.SetSleepFunc(func(_ context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	_, err := rl.Complete(ctx, modeladapter.ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitedCompleter_RPMThrottling(t *testing.T) {
	fc := &fakeCompleter{
		handler: func(_ context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
			return okReply(1), nil
		},
	}

	currentTime := time.Now()
	var slept time.Duration

	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{RPM: 2})
	rl.SetNowFunc(func() time.Time { return currentTime })
	rl.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		slept += d
		currentTime = currentTime.Add(d)
		return nil
	})

	for range 2 {
		_, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
		require.NoError(t, err)
	}
	assert.Zero(t, slept)

	_, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, slept)
}

func TestRateLimitedCompleter_TPMThrottling(t *testing.T) {
	fc := &fakeCompleter{
		handler: func(_ context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
			return okReply(100), nil
		},
	}

	currentTime := time.Now()
	sleepCalled := false

	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{TPM: 100})
	rl.SetNowFunc(func() time.Time { return currentTime })
	rl.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		sleepCalled = true
		currentTime = currentTime.Add(d)
		return nil
	})

	_, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.False(t, sleepCalled)

	_, err = rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.True(t, sleepCalled)
}

func TestRateLimitedCompleter_EmbedText(t *testing.T) {
	var calls atomic.Int32
	fc := &fakeCompleter{
		embedder: func(_ context.Context, text string) ([]float64, error) {
			if calls.Add(1) == 1 {
				return nil, rateLimited("busy")
			}
			return []float64{float64(len(text))}, nil
		},
	}

	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{BaseDelay: time.Millisecond})
	rl.SetSleepFunc(func(_ context.Context, _ time.Duration) error { return nil })

	vec, err := rl.EmbedText(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, vec)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitedCompleter_EmbedText_NotSupported(t *testing.T) {
	rl := modeladapter.NewRateLimitedCompleter(chatOnly{}, modeladapter.RateLimitOpts{})

	_, err := rl.EmbedText(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not implement Embedder")
}

func TestRateLimitedCompleter_UsageTracker(t *testing.T) {
	fc := &fakeCompleter{}
	fc.tracker.Add(usage.TokenCount{InputTokens: 3})

	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{})
	assert.Equal(t, 3, rl.UsageTracker().Total().InputTokens)

	fallback := modeladapter.NewRateLimitedCompleter(chatOnly{}, modeladapter.RateLimitOpts{})
	assert.NotNil(t, fallback.UsageTracker())
}

func TestRateLimitedCompleter_DefaultSleepHonorsContext(t *testing.T) {
	fc := &fakeCompleter{
		handler: func(_ context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
			return modeladapter.Reply{}, rateLimited("x")
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rl := modeladapter.NewRateLimitedCompleter(fc, modeladapter.RateLimitOpts{BaseDelay: time.Hour})

	_, err := rl.Complete(ctx, modeladapter.ChatRequest{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// multiExchange is a Completer that, like ModelAdapter-based adapters,
// accepts a Limiter and runs each of its exchanges through it.
type multiExchange struct {
	lim       modeladapter.Limiter
	exchanges []func() (int, error)
	calls     int
}

func (m *multiExchange) SetLimiter(l modeladapter.Limiter) { m.lim = l }

func (m *multiExchange) Complete(ctx context.Context, _ modeladapter.ChatRequest) (modeladapter.Reply, error) {
	for _, ex := range m.exchanges {
		err := m.lim.Do(ctx, func() (int, error) {
			m.calls++
			return ex()
		})
		if err != nil {
			return modeladapter.Reply{}, err
		}
	}
	return modeladapter.Reply{Content: "ok"}, nil
}

func (m *multiExchange) EmbedText(ctx context.Context, _ string) ([]float64, error) {
	err := m.lim.Do(ctx, func() (int, error) {
		m.calls++
		return 0, nil
	})
	return []float64{1}, err
}

func fakeClock(rl *modeladapter.RateLimitedCompleter) *time.Duration {
	currentTime := time.Now()
	var slept time.Duration

	rl.SetNowFunc(func() time.Time { return currentTime })
	rl.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		slept += d
		currentTime = currentTime.Add(d)
		return nil
	})
	rl.SetRandFunc(func() float64 { return 0.5 })

	return &slept
}

func TestRateLimitedCompleter_ThrottlesEachExchange(t *testing.T) {
	ok := func() (int, error) { return 1, nil }
	m := &multiExchange{exchanges: []func() (int, error){ok, ok, ok}}

	rl := modeladapter.NewRateLimitedCompleter(m, modeladapter.RateLimitOpts{RPM: 1})
	slept := fakeClock(rl)

	_, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, m.calls)
	assert.Equal(t, 2*time.Minute, *slept)
}

func TestRateLimitedCompleter_TPMCountsEachExchange(t *testing.T) {
	spend := func() (int, error) { return 100, nil }
	m := &multiExchange{exchanges: []func() (int, error){spend, spend}}

	rl := modeladapter.NewRateLimitedCompleter(m, modeladapter.RateLimitOpts{TPM: 100})
	slept := fakeClock(rl)

	_, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, *slept)
}

func TestRateLimitedCompleter_RetriesOnlyTheRejectedExchange(t *testing.T) {
	var second int
	m := &multiExchange{exchanges: []func() (int, error){
		func() (int, error) { return 1, nil },
		func() (int, error) {
			second++
			if second == 1 {
				return 0, rateLimited("slow down")
			}
			return 1, nil
		},
	}}

	rl := modeladapter.NewRateLimitedCompleter(m, modeladapter.RateLimitOpts{BaseDelay: time.Second})
	slept := fakeClock(rl)

	reply, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Content)
	assert.Equal(t, 3, m.calls)
	assert.Equal(t, 2, second)
	assert.Equal(t, time.Second, *slept)
}

func TestRateLimitedCompleter_RejectedTriesTakeWindowEntries(t *testing.T) {
	var tries int
	m := &multiExchange{exchanges: []func() (int, error){
		func() (int, error) {
			tries++
			if tries == 1 {
				return 0, rateLimited("slow down")
			}
			return 1, nil
		},
	}}

	rl := modeladapter.NewRateLimitedCompleter(m, modeladapter.RateLimitOpts{RPM: 1, BaseDelay: time.Millisecond})
	slept := fakeClock(rl)

	_, err := rl.Complete(context.Background(), modeladapter.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, tries)
	assert.Equal(t, time.Minute, *slept)
}

func TestRateLimitedCompleter_EmbedThrottledPerExchange(t *testing.T) {
	m := &multiExchange{}

	rl := modeladapter.NewRateLimitedCompleter(m, modeladapter.RateLimitOpts{RPM: 1})
	slept := fakeClock(rl)

	for range 2 {
		_, err := rl.EmbedText(context.Background(), "x")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.calls)
	assert.Equal(t, time.Minute, *slept)
}
