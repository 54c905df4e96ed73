package session

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	errUtils "github.com/apexion-ai/chatcore/errors"
)

// MemoryStore is an in-process MessageStore and ContextStore. It backs tests
// and runtimes configured with storage.driver: memory; nothing survives the
// process.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	contexts map[string]*Context
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		contexts: make(map[string]*Context),
	}
}

func (s *MemoryStore) InsertBatch(_ context.Context, msgs []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if _, ok := s.messages[m.ID]; ok {
			return errors.Newf("message %s already exists", m.ID)
		}
	}
	for _, m := range msgs {
		cp := *m
		s.messages[m.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) SelectByIDs(_ context.Context, ids []string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteBySession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.messages {
		if m.SessionID == sessionID {
			delete(s.messages, id)
		}
	}
	return nil
}

// SessionMessages returns every stored message of a session, oldest first.
func (s *MemoryStore) SessionMessages(sessionID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	slices.SortStableFunc(out, func(a, b *Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *MemoryStore) GetContext(_ context.Context, sessionID string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contexts[sessionID]
	if !ok {
		return nil, errors.Wrapf(errUtils.ErrContextNotFound, "session %s", sessionID)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) UpsertContext(_ context.Context, c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contexts[c.SessionID] = c.Clone()
	return nil
}

func (s *MemoryStore) DeleteContext(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.contexts, sessionID)
	return nil
}
