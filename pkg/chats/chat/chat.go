// Package chat provides a mutable conversation history for multi-turn sessions.
package chat

import (
	"github.com/germanamz/qwen/pkg/chats/message"
	"github.com/germanamz/qwen/pkg/chats/role"
)

// Chat is a mutable conversation container. The zero value is ready to use.
// Chat is not safe for concurrent use; callers must synchronize externally.
type Chat struct {
	messages []message.Message
}

// New creates a Chat pre-populated with the given messages.
func New(msgs ...message.Message) *Chat {
	return &Chat{messages: msgs}
}

// Append adds one or more messages to the conversation.
func (c *Chat) Append(msgs ...message.Message) {
	c.messages = append(c.messages, msgs...)
}

// Len returns the number of messages in the conversation.
func (c *Chat) Len() int {
	return len(c.messages)
}

// Last returns the most recent message and true, or a zero Message and false
// if the conversation is empty.
func (c *Chat) Last() (message.Message, bool) {
	if len(c.messages) == 0 {
		return message.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Messages returns a copy of all messages in the conversation.
func (c *Chat) Messages() []message.Message {
	cp := make([]message.Message, len(c.messages))
	copy(cp, c.messages)
	return cp
}

// DropOldest removes up to n messages from the front of the conversation and
// returns how many were removed. Adapters drop the oldest turns when a reply
// is cut off by length; callers use this to keep their history in step.
func (c *Chat) DropOldest(n int) int {
	if n <= 0 {
		return 0
	}
	n = min(n, len(c.messages))
	c.messages = append(c.messages[:0:0], c.messages[n:]...)
	return n
}

// Reset clears the conversation.
func (c *Chat) Reset() {
	c.messages = nil
}

// Count returns the number of messages with the given role.
func (c *Chat) Count(r role.Role) int {
	n := 0
	for _, m := range c.messages {
		if m.Role == r {
			n++
		}
	}
	return n
}
