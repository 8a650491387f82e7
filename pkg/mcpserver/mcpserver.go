// Package mcpserver exposes chat and embedding calls as MCP tools using the
// official MCP Go SDK.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/germanamz/qwen/pkg/chats/message"
	"github.com/germanamz/qwen/pkg/chats/role"
	"github.com/germanamz/qwen/pkg/modeladapter"
	"github.com/germanamz/qwen/pkg/modeladapter/usage"
)

// Backend is what the tools call into. *engine.Engine implements it.
type Backend interface {
	SendChat(ctx context.Context, turns []message.Message, system string, opts ...modeladapter.CallOption) (string, error)
	Embed(ctx context.Context, text string) ([]float64, string)
	Usage() usage.Summary
}

type chatTurn struct {
	Role    string `json:"role" jsonschema:"system, user or assistant"`
	Content string `json:"content"`
}

type chatArgs struct {
	Prompt   string     `json:"prompt,omitempty" jsonschema:"user message appended after messages"`
	Messages []chatTurn `json:"messages,omitempty" jsonschema:"earlier conversation turns, oldest first"`
	System   string     `json:"system,omitempty" jsonschema:"system instruction; the configured one when empty"`
	Stop     *string    `json:"stop,omitempty" jsonschema:"stop sequence"`
}

type embedArgs struct {
	Text string `json:"text" jsonschema:"text to embed"`
}

type usageArgs struct{}

type usageReport struct {
	ChatCalls       int `json:"chat_calls"`
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	EmbeddingCalls  int `json:"embedding_calls"`
	EmbeddingTokens int `json:"embedding_tokens"`
}

// Server serves a Backend as the chat, embed and usage MCP tools.
type Server struct {
	server  *mcp.Server
	backend Backend
	log     *slog.Logger
}

// New creates a Server with the given implementation name and version. A nil
// log discards tool failures.
func New(name, version string, b Backend, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		server:  mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		backend: b,
		log:     log,
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "chat",
		Description: "Send a conversation to the Qwen model and return its reply.",
	}, s.chat)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "embed",
		Description: "Return the text-embedding-v2 vector for a text as a JSON array.",
	}, s.embed)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "usage",
		Description: "Report token usage accumulated by this server.",
	}, s.usage)

	return s
}

// Serve reads requests from in and writes responses to out. It blocks until
// ctx is cancelled or the transport closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return s.run(ctx, &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	})
}

func (s *Server) run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func (s *Server) chat(ctx context.Context, _ *mcp.CallToolRequest, in chatArgs) (*mcp.CallToolResult, any, error) {
	turns := make([]message.Message, 0, len(in.Messages)+1)
	for i, m := range in.Messages {
		r, err := role.Parse(m.Role)
		if err != nil {
			return s.fail(ctx, "chat", fmt.Errorf("chat: messages[%d]: %w", i, err)), nil, nil
		}
		turns = append(turns, message.New(r, m.Content))
	}
	if in.Prompt != "" {
		turns = append(turns, message.User(in.Prompt))
	}

	var opts []modeladapter.CallOption
	if in.Stop != nil {
		opts = append(opts, modeladapter.WithStop(*in.Stop))
	}

	reply, err := s.backend.SendChat(ctx, turns, in.System, opts...)
	if err != nil {
		return s.fail(ctx, "chat", fmt.Errorf("chat: %w", err)), nil, nil
	}

	// The model could produce these words itself; they are reported as an
	// error either way.
	if reply == modeladapter.MsgTooManyRetries || reply == modeladapter.MsgFailed {
		return s.fail(ctx, "chat", errors.New(reply)), nil, nil
	}

	return textResult(reply), nil, nil
}

func (s *Server) embed(ctx context.Context, _ *mcp.CallToolRequest, in embedArgs) (*mcp.CallToolResult, any, error) {
	vec, msg := s.backend.Embed(ctx, in.Text)
	if msg != "" {
		return s.fail(ctx, "embed", errors.New(msg)), nil, nil
	}

	out, err := json.Marshal(vec)
	if err != nil {
		return s.fail(ctx, "embed", fmt.Errorf("embed: %w", err)), nil, nil
	}

	return textResult(string(out)), nil, nil
}

func (s *Server) usage(ctx context.Context, _ *mcp.CallToolRequest, _ usageArgs) (*mcp.CallToolResult, usageReport, error) {
	sum := s.backend.Usage()
	report := usageReport{
		ChatCalls:       sum.ChatCalls,
		InputTokens:     sum.Chat.InputTokens,
		OutputTokens:    sum.Chat.OutputTokens,
		EmbeddingCalls:  sum.EmbeddingCalls,
		EmbeddingTokens: sum.EmbeddingTokens,
	}

	out, err := json.Marshal(report)
	if err != nil {
		return s.fail(ctx, "usage", fmt.Errorf("usage: %w", err)), report, nil
	}

	return textResult(string(out)), report, nil
}

// fail reports err as a tool error rather than a protocol error, so the
// calling model sees the message.
func (s *Server) fail(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	s.log.WarnContext(ctx, "tool call failed", "tool", tool, "error", err)

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
