// Package message defines the Message type, one turn of a conversation.
package message

import "github.com/germanamz/qwen/pkg/chats/role"

// Message is a single conversation turn. It is a value type that copies
// cheaply and is never mutated once handed to an adapter.
type Message struct {
	Role    role.Role `json:"role"`
	Content string    `json:"content"`
}

// New creates a message with the given role and text.
func New(r role.Role, content string) Message {
	return Message{Role: r, Content: content}
}

// System creates a system-role message.
func System(content string) Message { return New(role.System, content) }

// User creates a user-role message.
func User(content string) Message { return New(role.User, content) }

// Assistant creates an assistant-role message.
func Assistant(content string) Message { return New(role.Assistant, content) }

// AllSystem reports whether every message in msgs has the system role.
// An empty slice counts as all-system: it carries no user or assistant turn.
func AllSystem(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role != role.System {
			return false
		}
	}
	return true
}
