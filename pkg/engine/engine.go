package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/germanamz/qwen/pkg/chats/chat"
	"github.com/germanamz/qwen/pkg/chats/message"
	"github.com/germanamz/qwen/pkg/config"
	"github.com/germanamz/qwen/pkg/keys"
	"github.com/germanamz/qwen/pkg/metrics"
	"github.com/germanamz/qwen/pkg/modeladapter"
	"github.com/germanamz/qwen/pkg/modeladapter/usage"
	"github.com/germanamz/qwen/pkg/providers/qwen"
)

// Engine assembles the adapter stack from configuration and exposes it
// through a frontend-agnostic API.
type Engine struct {
	cfg       config.Config
	log       *slog.Logger
	events    *EventBus
	adapter   *qwen.Adapter
	completer modeladapter.Completer

	mu       sync.Mutex
	sessions map[string]*Session
}

type options struct {
	keys    keys.Source
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Collector
}

// Option customizes New.
type Option func(*options)

// WithKeys replaces the config and environment key sources.
func WithKeys(src keys.Source) Option {
	return func(o *options) { o.keys = src }
}

// WithHTTPClient sets the HTTP client. It takes precedence over the
// configured timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger sets the logger passed down to the adapter.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records adapter metrics in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// New validates cfg and builds the adapter and, when configured, the rate
// limiter in front of it.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}

	a, err := buildAdapter(cfg, o.keys, o.client, o.log, o.metrics)
	if err != nil {
		return nil, err
	}

	c, err := buildCompleter(cfg, a)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		log:       o.log,
		events:    NewEventBus(),
		adapter:   a,
		completer: c,
		sessions:  make(map[string]*Session),
	}, nil
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() config.Config { return e.cfg }

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.events }

// Adapter returns the underlying DashScope adapter.
func (e *Engine) Adapter() *qwen.Adapter { return e.adapter }

// Completer returns the completer used for chat calls, rate limited when
// configured.
func (e *Engine) Completer() modeladapter.Completer { return e.completer }

// Embedder returns the embedder used for embedding calls.
func (e *Engine) Embedder() modeladapter.Embedder {
	if emb, ok := e.completer.(modeladapter.Embedder); ok {
		return emb
	}
	return e.adapter
}

// Usage returns the token usage accumulated so far.
func (e *Engine) Usage() usage.Summary { return e.adapter.Usage.Summary() }

// Request builds a ChatRequest with the configured system message and stop
// sequence.
func (e *Engine) Request(turns []message.Message, opts ...modeladapter.CallOption) modeladapter.ChatRequest {
	base := []modeladapter.CallOption{modeladapter.WithStop(e.cfg.Stop)}
	return modeladapter.NewChatRequest(turns, e.cfg.SystemMessage, append(base, opts...)...)
}

// SendChat runs a single stateless chat call and returns the reply text or
// a fixed failure string. An empty system argument uses the configured one.
func (e *Engine) SendChat(ctx context.Context, turns []message.Message, system string, opts ...modeladapter.CallOption) (string, error) {
	if system == "" {
		system = e.cfg.SystemMessage
	}

	base := []modeladapter.CallOption{modeladapter.WithStop(e.cfg.Stop)}
	return modeladapter.SendChat(ctx, e.completer, e.log, turns, system, append(base, opts...)...)
}

// Embed returns the embedding for text or a fixed failure string.
func (e *Engine) Embed(ctx context.Context, text string) ([]float64, string) {
	return modeladapter.Embed(ctx, e.Embedder(), e.log, text)
}

// NewSession creates an interactive session seeded with history.
func (e *Engine) NewSession(history ...message.Message) *Session {
	s := newSession(uuid.NewString(), e, chat.New(history...))

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	return s
}

// Session returns an existing session by ID.
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[id]
	return s, ok
}

// CloseSession forgets the session with the given ID.
func (e *Engine) CloseSession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[id]; !ok {
		return fmt.Errorf("engine: session %q not found", id)
	}
	delete(e.sessions, id)

	return nil
}
