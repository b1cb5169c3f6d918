// Package conversation types - the domain objects returned to callers.
package conversation

import (
	"time"

	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/llm"
)

// Response is the finished result of an Ask, or the final result of an
// AskStream. When upstream errors are suppressed (throw_on_error=false) a
// failed call yields a Response with empty Content and Err populated.
type Response struct {
	ConversationID string       `json:"conversation_id"`
	Role           history.Role `json:"role"`
	Content        string       `json:"content"`
	Model          string       `json:"model,omitempty"`
	FinishReason   string       `json:"finish_reason,omitempty"`
	Usage          llm.Usage    `json:"usage"`
	Err            string       `json:"error,omitempty"`
}

// Partial is one element of a streamed reply. Intermediate elements carry
// a Delta; the terminal element has Done set and carries either the
// assembled Response or the error that ended the stream.
type Partial struct {
	ConversationID string
	Delta          string
	Done           bool
	Response       *Response
	Err            error
}

// Record is per-completion metadata handed to an optional Recorder. It
// carries only what the upstream API already reported — the core does no
// token counting of its own.
type Record struct {
	ConversationID string
	Model          string
	Streamed       bool
	FinishReason   string
	Usage          llm.Usage
	Latency        time.Duration
	CreatedAt      time.Time
}

// Recorder receives completion metadata for observability. Implementations
// must not block; failures are the implementation's problem, never the
// caller's.
type Recorder interface {
	Record(rec Record)
}
