package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/qwen/pkg/chats/message"
	"github.com/germanamz/qwen/pkg/config"
	"github.com/germanamz/qwen/pkg/keys"
	"github.com/germanamz/qwen/pkg/modeladapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiReq struct {
	Model string `json:"model"`
	Input struct {
		Messages []message.Message `json:"messages"`
		Texts    []string          `json:"texts"`
	} `json:"input"`
	Parameters map[string]any `json:"parameters"`
}

func decodeReq(t *testing.T, r *http.Request) apiReq {
	t.Helper()

	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)

	var req apiReq
	require.NoError(t, json.Unmarshal(body, &req))

	return req
}

func reply(w http.ResponseWriter, finish, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"output": map[string]any{
			"choices": []any{map[string]any{
				"finish_reason": finish,
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		},
		"usage": map[string]any{"input_tokens": 4, "output_tokens": 2},
	})
}

func newTestEngine(t *testing.T, handler http.HandlerFunc, mutate func(*config.Config)) *Engine {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.URL = srv.URL
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg, WithKeys(keys.Static{"QWEN_API_KEY": "k"}))
	require.NoError(t, err)

	return e
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Timeout = "forever"

	_, err := New(cfg, WithKeys(keys.Static{"QWEN_API_KEY": "k"}))
	assert.ErrorContains(t, err, "invalid timeout")
}

func TestNew_MissingKey(t *testing.T) {
	t.Setenv("QWEN_API_KEY", "")

	_, err := New(config.Default())
	require.Error(t, err)
	assert.True(t, keys.IsNotFound(err))
}

func TestNew_KeysFromConfig(t *testing.T) {
	t.Setenv("QWEN_API_KEY", "from-env")

	cfg := config.Default()
	cfg.Keys = map[string]string{"QWEN_API_KEY": "from-config"}

	e, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-config", e.Adapter().Auth.Key)
}

func TestNew_KeysFromEnv(t *testing.T) {
	t.Setenv("QWEN_API_KEY", "from-env")

	e, err := New(config.Default())
	require.NoError(t, err)
	assert.Equal(t, "from-env", e.Adapter().Auth.Key)
}

func TestNew_Timeout(t *testing.T) {
	cfg := config.Default()
	cfg.Timeout = "5s"

	e, err := New(cfg, WithKeys(keys.Static{"QWEN_API_KEY": "k"}))
	require.NoError(t, err)
	require.NotNil(t, e.Adapter().Client)
	assert.Equal(t, 5*time.Second, e.Adapter().Client.Timeout)
}

func TestNew_RateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.RPM = 30

	e, err := New(cfg, WithKeys(keys.Static{"QWEN_API_KEY": "k"}))
	require.NoError(t, err)

	_, ok := e.Completer().(*modeladapter.RateLimitedCompleter)
	assert.True(t, ok)

	_, ok = e.Embedder().(*modeladapter.RateLimitedCompleter)
	assert.True(t, ok)
}

func TestNew_NoRateLimit(t *testing.T) {
	e, err := New(config.Default(), WithKeys(keys.Static{"QWEN_API_KEY": "k"}))
	require.NoError(t, err)

	assert.Same(t, e.Adapter(), e.Completer())
}

func TestEngine_SendChat_UsesConfig(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeReq(t, r)
		assert.Equal(t, "qwen-turbo", req.Model)
		assert.Equal(t, "END", req.Parameters["stop"])
		require.NotEmpty(t, req.Input.Messages)
		assert.Equal(t, "Answer in French.", req.Input.Messages[0].Content)

		reply(w, "stop", "Bonjour")
	}, func(c *config.Config) {
		c.Model = "qwen-turbo"
		c.Stop = "END"
		c.SystemMessage = "Answer in French."
	})

	got, err := e.SendChat(context.Background(), []message.Message{message.User("Hello")}, "")
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", got)
	assert.Equal(t, 1, e.Usage().ChatCalls)
}

func TestEngine_Embed(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeReq(t, r)
		assert.Equal(t, []string{"hello"}, req.Input.Texts)
		_, _ = w.Write([]byte(`{"output":{"embeddings":[{"embedding":[0.5]}]}}`))
	}, nil)

	vec, msg := e.Embed(context.Background(), "hello")
	assert.Empty(t, msg)
	assert.Equal(t, []float64{0.5}, vec)

	vec, msg = e.Embed(context.Background(), "")
	assert.Nil(t, vec)
	assert.Equal(t, modeladapter.MsgInvalidEmbeddingInput, msg)
}

func TestSession_Send(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeReq(t, r)
		n := calls.Add(1)

		// system + history + new user turn
		assert.Len(t, req.Input.Messages, 1+2*int(n-1)+1)
		reply(w, "stop", "answer")
	}, nil)

	s := e.NewSession()
	sub := e.Events().Subscribe(16)
	defer e.Events().Unsubscribe(sub)

	_, err := s.Send(context.Background(), "first")
	require.NoError(t, err)
	r, err := s.Send(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "answer", r.Content)

	assert.Equal(t, []message.Message{
		message.User("first"),
		message.Assistant("answer"),
		message.User("second"),
		message.Assistant("answer"),
	}, s.History())

	kinds := map[EventKind]int{}
	for len(sub.C) > 0 {
		kinds[(<-sub.C).Kind]++
	}
	assert.Equal(t, 2, kinds[EventRequestStart])
	assert.Equal(t, 2, kinds[EventRequestEnd])
	assert.Equal(t, 4, kinds[EventMessageAdded])
}

func TestSession_Send_DropsTruncatedTurns(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			reply(w, "length", "partial")
			return
		}
		reply(w, "stop", "fits now")
	}, nil)

	s := e.NewSession(message.User("old question"), message.Assistant("old answer"))
	sub := e.Events().Subscribe(16)
	defer e.Events().Unsubscribe(sub)

	r, err := s.Send(context.Background(), "new question")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Dropped)

	assert.Equal(t, []message.Message{
		message.User("new question"),
		message.Assistant("fits now"),
	}, s.History())

	var truncated int
	for len(sub.C) > 0 {
		if ev := <-sub.C; ev.Kind == EventTruncated {
			truncated = ev.Data.(int)
		}
	}
	assert.Equal(t, 2, truncated)
}

func TestSession_Send_FailureKeepsHistory(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, nil)

	s := e.NewSession(message.User("hi"), message.Assistant("hello"))

	_, err := s.Send(context.Background(), "again")
	require.Error(t, err)
	assert.Equal(t, modeladapter.MsgFailed, modeladapter.Sentinel(err))
	assert.Len(t, s.History(), 2)
}

func TestSession_Send_Busy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	e := newTestEngine(t, func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		reply(w, "stop", "ok")
	}, nil)

	s := e.NewSession()

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "one")
		done <- err
	}()

	<-started
	_, err := s.Send(context.Background(), "two")
	assert.ErrorContains(t, err, "another Send is already active")

	close(release)
	require.NoError(t, <-done)
}

func TestEngine_Sessions(t *testing.T) {
	e := newTestEngine(t, func(http.ResponseWriter, *http.Request) {}, nil)

	s := e.NewSession()
	got, ok := e.Session(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	require.NoError(t, e.CloseSession(s.ID()))
	_, ok = e.Session(s.ID())
	assert.False(t, ok)

	assert.Error(t, e.CloseSession(s.ID()))
}

func TestSession_Reset(t *testing.T) {
	e := newTestEngine(t, func(http.ResponseWriter, *http.Request) {}, nil)

	s := e.NewSession(message.User("a"))
	s.Reset()
	assert.Empty(t, s.History())
}
