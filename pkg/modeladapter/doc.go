// Package modeladapter defines the interfaces and shared plumbing for model adapters.
//
// It contains:
//   - [Completer] and [Embedder] interfaces with their [ChatRequest] and [Reply] types
//   - the embeddable [ModelAdapter] base struct: auth, custom headers, and the JSON POST exchange
//   - typed exchange errors ([StatusError], [RateLimitError], [ErrDecode]) and the
//     [Sentinel] mapping used by the string-returning [SendChat] and [Embed] helpers
//   - [RateLimitedCompleter], a requests-per-minute throttle with 429 backoff
//   - [github.com/germanamz/qwen/pkg/modeladapter/usage] - thread-safe token usage tracker
//
// This package contains no provider-specific code. The DashScope adapter lives
// in [github.com/germanamz/qwen/pkg/providers/qwen].
package modeladapter
