// Package chats provides the conversation data model handed to the Qwen adapter.
//
// It is organized into sub-packages:
//   - [github.com/germanamz/qwen/pkg/chats/role] - conversation roles (system, user, assistant)
//   - [github.com/germanamz/qwen/pkg/chats/message] - a single turn: a role and its text
//   - [github.com/germanamz/qwen/pkg/chats/chat] - mutable conversation history
//
// No provider or API code is included here.
package chats
