// Package qwen provides a Completer and Embedder for the DashScope (Qwen)
// text-generation and text-embedding APIs.
package qwen

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/germanamz/qwen/pkg/chats/message"
	"github.com/germanamz/qwen/pkg/chats/role"
	"github.com/germanamz/qwen/pkg/keys"
	"github.com/germanamz/qwen/pkg/metrics"
	"github.com/germanamz/qwen/pkg/modeladapter"
	"github.com/germanamz/qwen/pkg/modeladapter/usage"
)

const (
	// DefaultURL is the DashScope text-generation endpoint.
	DefaultURL = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"

	// DefaultEmbeddingURL is the DashScope text-embedding endpoint.
	DefaultEmbeddingURL = "https://dashscope.aliyuncs.com/api/v1/services/embeddings/text-embedding/text-embedding"

	// DefaultModel is sent when the adapter has no model name.
	DefaultModel = "qwen-plus"

	// EmbeddingModel is the model used for every embedding request.
	EmbeddingModel = "text-embedding-v2"

	// KeyName is the credential looked up at construction.
	KeyName = "QWEN_API_KEY"

	// greeting is appended when a conversation has no user or assistant turn.
	greeting = "hello"

	finishLength = "length"
)

var (
	_ modeladapter.Completer     = (*Adapter)(nil)
	_ modeladapter.Embedder      = (*Adapter)(nil)
	_ modeladapter.UsageReporter = (*Adapter)(nil)
)

// Adapter implements modeladapter.Completer and modeladapter.Embedder for
// DashScope. It is safe for concurrent use once constructed.
type Adapter struct {
	modeladapter.ModelAdapter

	URL          string // Chat endpoint.
	EmbeddingURL string // Embedding endpoint.

	metrics *metrics.Collector
}

type settings struct {
	client       *http.Client
	log          *slog.Logger
	metrics      *metrics.Collector
	embeddingURL string
	keyName      string
	headers      map[string]string
}

// Option configures an Adapter.
type Option func(*settings)

// WithHTTPClient sets the HTTP client used for every exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

// WithLogger sets the logger for failure diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithMetrics records request and truncation metrics in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *settings) { s.metrics = c }
}

// WithEmbeddingURL overrides the embedding endpoint.
func WithEmbeddingURL(url string) Option {
	return func(s *settings) { s.embeddingURL = url }
}

// WithKeyName changes the credential name looked up at construction.
func WithKeyName(name string) Option {
	return func(s *settings) { s.keyName = name }
}

// WithHeaders adds headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(s *settings) { s.headers = h }
}

// New creates an Adapter for model. An empty url selects DefaultURL. A
// non-empty url is used for both chat and embedding calls unless
// WithEmbeddingURL says otherwise. The API key is read from src once.
func New(model, url string, src keys.Source, opts ...Option) (*Adapter, error) {
	s := settings{keyName: KeyName}
	for _, o := range opts {
		o(&s)
	}

	embeddingURL := s.embeddingURL
	switch {
	case embeddingURL != "":
	case url != "":
		embeddingURL = url
	default:
		embeddingURL = DefaultEmbeddingURL
	}

	if url == "" {
		url = DefaultURL
	}

	if src == nil {
		return nil, fmt.Errorf("qwen: no key source")
	}

	key, err := src.Get(s.keyName)
	if err != nil {
		return nil, fmt.Errorf("qwen: %w", err)
	}

	a := &Adapter{
		URL:          url,
		EmbeddingURL: embeddingURL,
		metrics:      s.metrics,
	}
	a.Name = model
	a.Auth = modeladapter.Auth{Key: key}
	a.Client = s.client
	a.Log = s.log
	a.Headers = s.headers

	return a, nil
}

// Model returns the model name sent on chat requests.
func (a *Adapter) Model() string {
	if a.Name == "" {
		return DefaultModel
	}
	return a.Name
}

// Complete sends the conversation and returns the reply. When the reply was
// cut short by the length limit and turns remain, the oldest turn is dropped
// and the request is sent again, up to modeladapter.MaxAttempts. req.Stop is
// sent as is, empty included.
func (a *Adapter) Complete(ctx context.Context, req modeladapter.ChatRequest) (modeladapter.Reply, error) {
	log := a.Logger()
	turns := req.Turns
	var reply modeladapter.Reply

	for attempt := req.Attempt; ; attempt++ {
		if attempt > modeladapter.MaxAttempts {
			log.ErrorContext(ctx, "maximum retry attempts reached", "model", a.Model(), "attempt", attempt)
			return reply, fmt.Errorf("qwen: %w", modeladapter.ErrTooManyRetries)
		}

		body := a.buildChatRequest(turns, req.System, req.Stop)
		if err := body.validate(); err != nil {
			log.ErrorContext(ctx, "invalid request data format", "model", body.Model, "error", err)
			return reply, err
		}

		var resp apiChatResponse
		err := a.exchange(ctx, metrics.OpChat, a.URL, body, &resp)
		reply.Attempts++
		if err != nil {
			return reply, fmt.Errorf("qwen: %w", err)
		}

		tc := resp.Usage.tokenCount()
		a.Usage.Add(tc)
		reply.Usage = reply.Usage.Plus(tc)

		choice := resp.firstChoice()
		if choice != nil && choice.FinishReason == finishLength && len(turns) > 0 {
			turns = turns[1:]
			reply.Dropped++
			a.metrics.IncTruncation()
			log.DebugContext(ctx, "reply truncated, dropping oldest turn",
				"model", a.Model(), "attempt", attempt, "remaining", len(turns))
			continue
		}

		if choice == nil || choice.Message.Content == "" {
			return reply, fmt.Errorf("qwen: %w", modeladapter.ErrNoContent)
		}

		reply.Content = choice.Message.Content
		reply.FinishReason = choice.FinishReason

		return reply, nil
	}
}

// EmbedText returns the embedding vector for text.
func (a *Adapter) EmbedText(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("qwen: %w", modeladapter.ErrEmptyInput)
	}

	body := buildEmbeddingRequest(text)
	if err := body.validate(); err != nil {
		return nil, err
	}

	var resp apiEmbeddingResponse
	if err := a.exchange(ctx, metrics.OpEmbed, a.EmbeddingURL, body, &resp); err != nil {
		return nil, fmt.Errorf("qwen: %w", err)
	}

	a.Usage.AddEmbedding(resp.Usage.TotalTokens)

	if len(resp.Output.Embeddings) == 0 || resp.Output.Embeddings[0].Embedding == nil {
		return nil, fmt.Errorf("qwen: %w", modeladapter.ErrNoEmbedding)
	}

	return resp.Output.Embeddings[0].Embedding, nil
}

// SendChat is the string-returning form of Complete. The reply text, or one
// of the modeladapter.Msg* strings on failure, is the first result; the
// error is non-nil only for a malformed request.
func (a *Adapter) SendChat(ctx context.Context, turns []message.Message, systemMessage string, opts ...modeladapter.CallOption) (string, error) {
	return modeladapter.SendChat(ctx, a, a.Logger(), turns, systemMessage, opts...)
}

// Embed is the string-returning form of EmbedText: it yields either a vector
// and "" or nil and one of the modeladapter.Msg* strings.
func (a *Adapter) Embed(ctx context.Context, text string) ([]float64, string) {
	return modeladapter.Embed(ctx, a, a.Logger(), text)
}

// exchange performs one POST, rate limited when a limiter is installed. Every
// HTTP attempt is observed, including ones the limiter retries.
func (a *Adapter) exchange(ctx context.Context, op, url string, payload, dest any) error {
	return a.Limit(ctx, dest, func() error {
		start := time.Now()
		err := a.PostJSON(ctx, url, payload, dest)
		a.metrics.ObserveRequest(op, modeladapter.Outcome(err), time.Since(start))

		return err
	})
}

// --- request types ---

type apiChatRequest struct {
	Model      string             `json:"model"`
	Input      apiChatInput       `json:"input"`
	Parameters *apiChatParameters `json:"parameters"`
}

type apiChatInput struct {
	Messages []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiChatParameters struct {
	ResultFormat string `json:"result_format"`
	Stop         string `json:"stop"`
}

type apiEmbeddingRequest struct {
	Model      string                  `json:"model"`
	Input      apiEmbeddingInput       `json:"input"`
	Parameters *apiEmbeddingParameters `json:"parameters"`
}

type apiEmbeddingInput struct {
	Texts []string `json:"texts"`
}

type apiEmbeddingParameters struct {
	TextType string `json:"text_type"`
}

// --- response types ---

type apiChatResponse struct {
	Output    apiChatOutput `json:"output"`
	Usage     apiUsage      `json:"usage"`
	RequestID string        `json:"request_id"`
}

type apiChatOutput struct {
	Choices []apiChoice `json:"choices"`
}

type apiChoice struct {
	FinishReason string     `json:"finish_reason"`
	Message      apiMessage `json:"message"`
}

type apiEmbeddingResponse struct {
	Output    apiEmbeddingOutput `json:"output"`
	Usage     apiUsage           `json:"usage"`
	RequestID string             `json:"request_id"`
}

type apiEmbeddingOutput struct {
	Embeddings []apiEmbedding `json:"embeddings"`
}

type apiEmbedding struct {
	TextIndex int       `json:"text_index"`
	Embedding []float64 `json:"embedding"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u apiUsage) tokenCount() usage.TokenCount {
	return usage.TokenCount{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

// ExchangeTokens implements modeladapter.TokenReporter.
func (r *apiChatResponse) ExchangeTokens() int { return r.Usage.tokenCount().Total() }

func (r *apiChatResponse) firstChoice() *apiChoice {
	if len(r.Output.Choices) == 0 {
		return nil
	}
	return &r.Output.Choices[0]
}

// --- conversion helpers ---

func (a *Adapter) buildChatRequest(turns []message.Message, system, stop string) apiChatRequest {
	msgs := make([]apiMessage, 0, len(turns)+2)
	msgs = append(msgs, apiMessage{Role: role.System.String(), Content: system})
	for _, t := range turns {
		msgs = append(msgs, apiMessage{Role: t.Role.String(), Content: t.Content})
	}

	if message.AllSystem(turns) {
		msgs = append(msgs, apiMessage{Role: role.User.String(), Content: greeting})
	}

	return apiChatRequest{
		Model: a.Model(),
		Input: apiChatInput{Messages: msgs},
		Parameters: &apiChatParameters{
			ResultFormat: "message",
			Stop:         stop,
		},
	}
}

func buildEmbeddingRequest(text string) apiEmbeddingRequest {
	return apiEmbeddingRequest{
		Model:      EmbeddingModel,
		Input:      apiEmbeddingInput{Texts: []string{text}},
		Parameters: &apiEmbeddingParameters{TextType: "query"},
	}
}

func (r apiChatRequest) validate() error {
	switch {
	case r.Model == "":
		return fmt.Errorf("qwen: %w: missing model", modeladapter.ErrInvalidRequest)
	case len(r.Input.Messages) == 0:
		return fmt.Errorf("qwen: %w: missing messages", modeladapter.ErrInvalidRequest)
	case r.Parameters == nil:
		return fmt.Errorf("qwen: %w: missing parameters", modeladapter.ErrInvalidRequest)
	}
	return nil
}

func (r apiEmbeddingRequest) validate() error {
	switch {
	case r.Model == "":
		return fmt.Errorf("qwen: %w: missing model", modeladapter.ErrInvalidRequest)
	case len(r.Input.Texts) == 0:
		return fmt.Errorf("qwen: %w: missing texts", modeladapter.ErrInvalidRequest)
	case r.Parameters == nil:
		return fmt.Errorf("qwen: %w: missing parameters", modeladapter.ErrInvalidRequest)
	}
	return nil
}
