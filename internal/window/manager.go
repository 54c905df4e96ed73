// Package window manages the per-session active context window: the ordered
// message ids currently in scope plus a rolling summary of evicted turns.
//
// Every mutation is a read-modify-write of the session's Context row and runs
// under a per-session lock. Eviction happens only in Update, which applies the
// configured overflow strategy. Only CreateInitialContext creates a row; the
// other operations report errors.ErrContextNotFound for an unknown session.
package window

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/moby/locker"
	"github.com/samber/lo"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/logging"
	"github.com/apexion-ai/chatcore/internal/overflow"
	"github.com/apexion-ai/chatcore/internal/session"
	"github.com/apexion-ai/chatcore/internal/tokens"
)

// Manager owns the context windows.
type Manager struct {
	messages   session.MessageStore
	contexts   session.ContextStore
	strategy   overflow.Strategy
	counter    tokens.Counter
	summarizer Summarizer
	locks      *locker.Locker
	now        func() time.Time
	log        *log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCounter sets the counter used for messages without a stored token count.
func WithCounter(c tokens.Counter) Option {
	return func(m *Manager) { m.counter = c }
}

// WithSummarizer enables folding evicted messages into Context.Summary.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = logging.OrDiscard(l) }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager applying strategy; nil means overflow.None.
func NewManager(messages session.MessageStore, contexts session.ContextStore, strategy overflow.Strategy, opts ...Option) *Manager {
	if strategy == nil {
		strategy = overflow.None{}
	}
	m := &Manager{
		messages: messages,
		contexts: contexts,
		strategy: strategy,
		counter:  tokens.NewEstimator(0),
		locks:    locker.New(),
		now:      time.Now,
		log:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot is the window as read once at the start of a turn.
type Snapshot struct {
	Summary  string
	Messages []*session.Message // oldest first
}

// CreateInitialContext creates an empty window for the session. It is a
// no-op when one already exists.
func (m *Manager) CreateInitialContext(ctx context.Context, sessionID string) error {
	unlock := m.lock(sessionID)
	defer unlock()

	_, err := m.contexts.GetContext(ctx, sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errUtils.ErrContextNotFound) {
		return err
	}
	return m.contexts.UpsertContext(ctx, session.NewContext(sessionID, m.now()))
}

// Context returns the stored window, or errors.ErrContextNotFound.
func (m *Manager) Context(ctx context.Context, sessionID string) (*session.Context, error) {
	return m.contexts.GetContext(ctx, sessionID)
}

// ContextMessages resolves the active window to messages, oldest first.
// Ids that no longer resolve are skipped.
func (m *Manager) ContextMessages(ctx context.Context, sessionID string) ([]*session.Message, error) {
	snap, err := m.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Messages, nil
}

// Snapshot returns the resolved window and summary.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	c, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := m.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Summary: c.Summary, Messages: msgs}, nil
}

// AddMessage appends messageID to the window, persists it and then applies
// the overflow strategy. Adding an id that is already present is a no-op. The
// session's context must exist.
func (m *Manager) AddMessage(ctx context.Context, sessionID, messageID string) error {
	unlock := m.lock(sessionID)
	defer unlock()

	c, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if lo.Contains(c.ActiveMessageIDs, messageID) {
		m.log.Debug("message already in window", "session_id", sessionID, "message_id", messageID)
		return nil
	}

	c.ActiveMessageIDs = append(c.ActiveMessageIDs, messageID)
	c.UpdatedAt = m.now()
	if err := m.contexts.UpsertContext(ctx, c); err != nil {
		return errors.Wrap(err, "save window")
	}
	return m.update(ctx, c)
}

// Update applies the overflow strategy to the stored window. Calling it again
// once the window is within budget changes nothing.
func (m *Manager) Update(ctx context.Context, sessionID string) error {
	unlock := m.lock(sessionID)
	defer unlock()

	c, err := m.contexts.GetContext(ctx, sessionID)
	if errors.Is(err, errUtils.ErrContextNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.update(ctx, c)
}

// Clear empties the window and the summary. Messages are kept.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	unlock := m.lock(sessionID)
	defer unlock()

	c, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	c.ActiveMessageIDs = []string{}
	c.Summary = ""
	c.UpdatedAt = m.now()
	return m.contexts.UpsertContext(ctx, c)
}

// Delete removes the session's context. It is part of session deletion and
// runs after the messages are removed.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	unlock := m.lock(sessionID)
	defer unlock()

	return m.contexts.DeleteContext(ctx, sessionID)
}

// lock takes the session's lock and returns its release func.
func (m *Manager) lock(sessionID string) func() {
	m.locks.Lock(sessionID)
	return func() { _ = m.locks.Unlock(sessionID) }
}

func (m *Manager) load(ctx context.Context, sessionID string) (*session.Context, error) {
	c, err := m.contexts.GetContext(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "load window")
	}
	return c, nil
}

func (m *Manager) resolve(ctx context.Context, c *session.Context) ([]*session.Message, error) {
	if len(c.ActiveMessageIDs) == 0 {
		return []*session.Message{}, nil
	}
	msgs, err := m.messages.SelectByIDs(ctx, c.ActiveMessageIDs)
	if err != nil {
		return nil, errors.Wrap(err, "resolve window")
	}

	msgs = lo.Filter(msgs, func(msg *session.Message, _ int) bool { return msg.SessionID == c.SessionID })
	if len(msgs) != len(c.ActiveMessageIDs) {
		found := lo.SliceToMap(msgs, func(msg *session.Message) (string, struct{}) { return msg.ID, struct{}{} })
		missing := lo.Reject(c.ActiveMessageIDs, func(id string, _ int) bool { _, ok := found[id]; return ok })
		m.log.Debug("skipping unresolved window ids",
			"session_id", c.SessionID, "missing", missing, "err", errUtils.ErrMessageNotFound)
	}
	return msgs, nil
}

// update runs the strategy on c and persists the result. Callers hold the
// session lock.
func (m *Manager) update(ctx context.Context, c *session.Context) error {
	if m.strategy.Type() == overflow.TypeNone {
		return nil
	}

	msgs, err := m.resolve(ctx, c)
	if err != nil {
		return err
	}
	tms := lo.Map(msgs, func(msg *session.Message, _ int) overflow.TokenMessage { return m.tokenMessage(msg) })
	if !m.strategy.NeedsProcessing(tms) {
		return nil
	}

	res := m.strategy.Process(tms)
	if len(res.Summarize) > 0 && m.summarizer != nil {
		summary, err := m.summarizer.Summarize(ctx, c.Summary, res.Summarize)
		if err != nil {
			// Keep the window; the next update retries the fold.
			m.log.Warn("summarization failed, window left unchanged", "session_id", c.SessionID, "err", err)
			return nil
		}
		c.Summary = summary
	}

	evicted := len(c.ActiveMessageIDs) - len(res.Retained)
	c.ActiveMessageIDs = overflow.IDs(res.Retained)
	c.UpdatedAt = m.now()
	if err := m.contexts.UpsertContext(ctx, c); err != nil {
		return errors.Wrap(err, "save trimmed window")
	}
	m.log.Debug("window trimmed",
		"session_id", c.SessionID, "strategy", m.strategy.Type(), "evicted", evicted, "retained", len(res.Retained))
	return nil
}

func (m *Manager) tokenMessage(msg *session.Message) overflow.TokenMessage {
	var n int
	if msg.TokenCount != nil {
		n = *msg.TokenCount
	} else {
		n = m.counter.Count(msg.Content)
	}
	return overflow.TokenMessage{
		ID:         msg.ID,
		Role:       string(msg.Role),
		Content:    msg.Content,
		TokenCount: n,
		CreatedAt:  msg.CreatedAt,
	}
}
