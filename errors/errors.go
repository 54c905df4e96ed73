// Package errors holds the sentinel errors shared across chatcore.
// Callers wrap them with github.com/cockroachdb/errors and match with errors.Is.
package errors

import "github.com/cockroachdb/errors"

// Configuration errors. These are fatal at construction and never reach a turn.
var (
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrInvalidOverflowConfig = errors.New("invalid token overflow configuration")
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrMissingAPIKey         = errors.New("missing API key")
)

// Store errors.
var (
	ErrContextNotFound = errors.New("context not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrPersistence     = errors.New("failed to persist turn")
)

// Turn errors.
var (
	ErrEmptyMessage    = errors.New("session id and message are required")
	ErrTurnInProgress  = errors.New("a turn is already in progress for this session")
	ErrProviderStream  = errors.New("provider stream failed")
	ErrStreamTruncated = errors.New("provider stream ended without completion")
	ErrTurnTimeout     = errors.New("turn timed out")
	ErrTransportClosed = errors.New("transport stream is closed")
	ErrEmptySummary    = errors.New("summarizer returned empty summary")
)
