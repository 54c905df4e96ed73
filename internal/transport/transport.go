// Package transport delivers turn events to the caller. A Stream carries the
// partial chunks of one turn followed by exactly one terminal event: a chunk
// with Done set and then Close, or Fail.
package transport

import (
	"context"

	"github.com/cockroachdb/errors"

	errUtils "github.com/apexion-ai/chatcore/errors"
)

// Usage is the token accounting reported with the final chunk.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one event of a turn.
type Chunk struct {
	Content  string `json:"content"`
	Done     bool   `json:"done"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// Set on the final chunk only.
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	Usage              *Usage `json:"usage,omitempty"`
}

// Stream is the caller-facing side of one turn.
type Stream interface {
	Send(chunk Chunk) error
	Close() error
	Fail(err error) error
}

// ErrorCode classifies a turn failure for clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, errUtils.ErrTurnTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errUtils.ErrPersistence):
		return "persistence_error"
	case errors.Is(err, errUtils.ErrTransportClosed):
		return "transport_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, errUtils.ErrProviderStream), errors.Is(err, errUtils.ErrStreamTruncated):
		return "provider_error"
	default:
		return "internal_error"
	}
}
