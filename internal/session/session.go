// Package session defines the persisted chat records (messages and the
// per-session context window) and the stores that hold them.
package session

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem marks legacy rows that carried prior assistant replies.
	// The request assembler treats them as assistant turns.
	RoleSystem Role = "system"
)

// Message is a single chat record. Once persisted it is never mutated;
// corrections are new messages.
type Message struct {
	ID         string
	SessionID  string
	Role       Role
	Content    string
	TokenCount *int // nil until known
	CreatedAt  time.Time
	ProviderID string // assistant messages only
	ModelID    string // assistant messages only
}

// NewMessage creates an unpersisted message with a fresh id.
func NewMessage(sessionID string, role Role, content string, now time.Time) *Message {
	return &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
}

// SetTokenCount records a known token count.
func (m *Message) SetTokenCount(n int) {
	m.TokenCount = &n
}

// Context is the active window of one session: the ordered ids of the
// messages currently in scope plus a rolling summary of what was evicted.
type Context struct {
	SessionID        string
	ActiveMessageIDs []string // insertion order, no duplicates
	Summary          string   // empty when nothing has been summarized
	UpdatedAt        time.Time
}

// NewContext returns an empty window for sessionID.
func NewContext(sessionID string, now time.Time) *Context {
	return &Context{
		SessionID:        sessionID,
		ActiveMessageIDs: []string{},
		UpdatedAt:        now,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing a store.
func (c *Context) Clone() *Context {
	cp := *c
	cp.ActiveMessageIDs = slices.Clone(c.ActiveMessageIDs)
	if cp.ActiveMessageIDs == nil {
		cp.ActiveMessageIDs = []string{}
	}
	return &cp
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
