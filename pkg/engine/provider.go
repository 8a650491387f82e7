package engine

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/germanamz/qwen/pkg/config"
	"github.com/germanamz/qwen/pkg/keys"
	"github.com/germanamz/qwen/pkg/metrics"
	"github.com/germanamz/qwen/pkg/modeladapter"
	"github.com/germanamz/qwen/pkg/providers/qwen"
)

// keySource resolves credentials from the config's keys section first and
// the environment second. An explicit src replaces both.
func keySource(cfg config.Config, src keys.Source) keys.Source {
	if src != nil {
		return src
	}

	var static keys.Source
	if len(cfg.Keys) > 0 {
		static = keys.Static(cfg.Keys)
	}

	return keys.NewChain(static, keys.NewEnv(""))
}

// buildAdapter creates the DashScope adapter described by cfg.
func buildAdapter(cfg config.Config, src keys.Source, client *http.Client, log *slog.Logger, m *metrics.Collector) (*qwen.Adapter, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if client == nil && timeout > 0 {
		client = &http.Client{Timeout: timeout}
	}

	opts := []qwen.Option{
		qwen.WithLogger(log),
		qwen.WithMetrics(m),
		qwen.WithHTTPClient(client),
	}
	if cfg.EmbeddingURL != "" {
		opts = append(opts, qwen.WithEmbeddingURL(cfg.EmbeddingURL))
	}
	if cfg.KeyName != "" {
		opts = append(opts, qwen.WithKeyName(cfg.KeyName))
	}

	a, err := qwen.New(cfg.Model, cfg.URL, keySource(cfg, src), opts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return a, nil
}

// buildCompleter wraps a with a RateLimitedCompleter when rate limiting is
// configured, and returns a unchanged otherwise.
func buildCompleter(cfg config.Config, a *qwen.Adapter) (modeladapter.Completer, error) {
	rl := cfg.RateLimit
	if !rl.Enabled() {
		return a, nil
	}

	baseDelay, err := rl.BaseDelayDuration()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return modeladapter.NewRateLimitedCompleter(a, modeladapter.RateLimitOpts{
		RPM:        rl.RPM,
		TPM:        rl.TPM,
		MaxRetries: rl.MaxRetries,
		BaseDelay:  baseDelay,
	}), nil
}
