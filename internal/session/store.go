package session

import "context"

// MessageStore is the durable, append-only message log.
type MessageStore interface {
	// InsertBatch persists all messages or none of them.
	InsertBatch(ctx context.Context, msgs []*Message) error

	// SelectByIDs returns the messages for ids in the order the ids were given.
	// Unknown ids are skipped.
	SelectByIDs(ctx context.Context, ids []string) ([]*Message, error)

	// DeleteBySession removes every message of a session.
	DeleteBySession(ctx context.Context, sessionID string) error
}

// ContextStore holds one Context per session.
type ContextStore interface {
	// GetContext returns errors.ErrContextNotFound when the session has none.
	GetContext(ctx context.Context, sessionID string) (*Context, error)
	UpsertContext(ctx context.Context, c *Context) error
	DeleteContext(ctx context.Context, sessionID string) error
}
