package modeladapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidRequest is returned when a request body fails the structural
	// check made before transmission. It is never collapsed into a sentinel
	// string by SendChat.
	ErrInvalidRequest = errors.New("invalid request data format")

	// ErrTooManyRetries is returned when the truncation-recovery loop runs
	// past MaxAttempts.
	ErrTooManyRetries = errors.New("maximum retry attempts reached")

	// ErrNoContent is returned when the provider answered without any text.
	ErrNoContent = errors.New("no content received")

	// ErrEmptyInput is returned when embedding input is empty.
	ErrEmptyInput = errors.New("text must be a non-empty string")

	// ErrNoEmbedding is returned when the provider answered without a vector.
	ErrNoEmbedding = errors.New("no embedding result received")

	// ErrDecode is wrapped by errors for response bodies that are not valid JSON.
	ErrDecode = errors.New("invalid response JSON format")
)

// Fixed strings returned by SendChat and Embed in place of errors.
const (
	MsgTooManyRetries        = "Too many retry attempts."
	MsgNoContent             = "No content received."
	MsgFailed                = "An error occurred, please try again."
	MsgInvalidEmbeddingInput = "Invalid embedding input: text must be a non-empty string."
	MsgNoEmbedding           = "No embedding result received."
)

// Sentinel maps err to the fixed string shown to callers of the
// string-returning helpers. A nil error maps to "".
func Sentinel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTooManyRetries):
		return MsgTooManyRetries
	case errors.Is(err, ErrNoContent):
		return MsgNoContent
	case errors.Is(err, ErrEmptyInput):
		return MsgInvalidEmbeddingInput
	case errors.Is(err, ErrNoEmbedding):
		return MsgNoEmbedding
	default:
		return MsgFailed
	}
}

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Status int    // HTTP status code.
	Reason string // Status text, e.g. "Unauthorized".
	Body   string // Raw response body.

	// Parsed from a DashScope error body when present.
	Code      string
	Message   string
	RequestID string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("request failed, status code %d: %s", e.Status, e.Reason)
	if e.Code != "" || e.Message != "" {
		msg += fmt.Sprintf(" (%s: %s)", e.Code, e.Message)
	}
	return msg
}

// providerError is the error body DashScope returns with non-2xx responses.
type providerError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func newStatusError(resp *http.Response, body []byte, requestID string) *StatusError {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	e := &StatusError{
		Status:    resp.StatusCode,
		Reason:    reason,
		Body:      string(body),
		RequestID: requestID,
	}

	var pe providerError
	if json.Unmarshal(body, &pe) == nil {
		e.Code = pe.Code
		e.Message = pe.Message
		if pe.RequestID != "" {
			e.RequestID = pe.RequestID
		}
	}

	return e
}

// RateLimitError is returned when the API responds with HTTP 429 (Too Many Requests).
// It carries an optional RetryAfter duration parsed from the Retry-After header.
type RateLimitError struct {
	*StatusError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.StatusError.Error())
	}
	return fmt.Sprintf("rate limited: %s", e.StatusError.Error())
}

// Unwrap exposes the underlying *StatusError to errors.As.
func (e *RateLimitError) Unwrap() error { return e.StatusError }

// ParseRetryAfter parses the Retry-After header value as either seconds (integer)
// or an HTTP-date (RFC 7231). Returns zero if unparseable or if the date is in the past.
func ParseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Outcome classifies the result of an exchange into a short label suitable
// for metrics.
func Outcome(err error) string {
	var rle *RateLimitError
	var se *StatusError

	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rle):
		return "rate_limited"
	case errors.As(err, &se) && se.Status >= 500:
		return "server_error"
	case errors.As(err, &se):
		return "client_error"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport_error"
	}
}
