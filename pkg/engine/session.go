package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/germanamz/qwen/pkg/chats/chat"
	"github.com/germanamz/qwen/pkg/chats/message"
	"github.com/germanamz/qwen/pkg/modeladapter"
)

// Session is one multi-turn conversation. Only one Send may be active at a
// time.
type Session struct {
	id     string
	engine *Engine

	mu     sync.Mutex
	chat   *chat.Chat
	active bool
}

func newSession(id string, e *Engine, c *chat.Chat) *Session {
	return &Session{id: id, engine: e, chat: c}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// History returns a copy of the conversation so far.
func (s *Session) History() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.chat.Messages()
}

// Reset clears the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chat.Reset()
}

// Send adds a user turn and asks the model for a reply. On success the user
// turn and the reply are appended to the history, after dropping as many of
// the oldest turns as the adapter dropped to fit the reply. On failure the
// history is left unchanged.
func (s *Session) Send(ctx context.Context, text string, opts ...modeladapter.CallOption) (modeladapter.Reply, error) {
	history, err := s.acquire()
	if err != nil {
		return modeladapter.Reply{}, err
	}
	defer s.release()

	events := s.engine.events
	user := message.User(text)
	events.Publish(Event{Kind: EventRequestStart, SessionID: s.id})

	reply, err := s.engine.completer.Complete(ctx, s.engine.Request(append(history, user), opts...))

	events.Publish(Event{Kind: EventRequestEnd, SessionID: s.id})
	if err != nil {
		events.Publish(Event{Kind: EventError, SessionID: s.id, Data: err})
		return reply, err
	}

	assistant := message.Assistant(reply.Content)

	s.mu.Lock()
	s.chat.Append(user)
	dropped := s.chat.DropOldest(reply.Dropped)
	s.chat.Append(assistant)
	s.mu.Unlock()

	if dropped > 0 {
		events.Publish(Event{Kind: EventTruncated, SessionID: s.id, Data: dropped})
	}
	events.Publish(Event{Kind: EventMessageAdded, SessionID: s.id, Data: user})
	events.Publish(Event{Kind: EventMessageAdded, SessionID: s.id, Data: assistant})

	return reply, nil
}

// acquire marks the session busy and returns a snapshot of its history.
func (s *Session) acquire() ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return nil, fmt.Errorf("engine: session %s: another Send is already active", s.id)
	}
	s.active = true

	return s.chat.Messages(), nil
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
}
