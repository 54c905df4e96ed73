package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/overflow"
	"github.com/apexion-ai/chatcore/internal/provider"
	"github.com/apexion-ai/chatcore/internal/session"
	"github.com/apexion-ai/chatcore/internal/transport"
	"github.com/apexion-ai/chatcore/internal/transport/transporttest"
	"github.com/apexion-ai/chatcore/internal/window"
)

// fakeProvider replays a scripted event list. When hold is set it waits for
// hold to close (or the context to end) before replaying.
type fakeProvider struct {
	events []provider.Event
	hold   chan struct{}

	mu       sync.Mutex
	requests []*provider.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req *provider.ChatRequest) (<-chan provider.Event, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		if f.hold != nil {
			select {
			case <-f.hold:
			case <-ctx.Done():
				ch <- provider.Event{Type: provider.EventError, Error: ctx.Err()}
				return
			}
		}
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) ContextWindow() int   { return 8000 }

func (f *fakeProvider) lastRequest() *provider.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func deltas(parts ...string) []provider.Event {
	evs := make([]provider.Event, 0, len(parts))
	for _, p := range parts {
		evs = append(evs, provider.Event{Type: provider.EventTextDelta, TextDelta: p})
	}
	return evs
}

func done(in, out int) provider.Event {
	return provider.Event{Type: provider.EventDone, Usage: &provider.Usage{InputTokens: in, OutputTokens: out}}
}

// failingStore rejects every insert.
type failingStore struct {
	*session.MemoryStore
}

func (failingStore) InsertBatch(context.Context, []*session.Message) error {
	return errors.New("disk full")
}

type fixture struct {
	store   *session.MemoryStore
	window  *window.Manager
	usage   *UsageTracker
	journal *strings.Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := session.NewMemoryStore()
	strategy, err := overflow.New(overflow.Config{Type: overflow.TypeNone})
	require.NoError(t, err)
	fx := &fixture{
		store:   store,
		window:  window.NewManager(store, store, strategy),
		usage:   NewUsageTracker(nil),
		journal: &strings.Builder{},
	}
	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, fx.window.CreateInitialContext(context.Background(), id))
	}
	return fx
}

func (fx *fixture) activeIDs(t *testing.T, sessionID string) []string {
	t.Helper()
	c, err := fx.window.Context(context.Background(), sessionID)
	require.NoError(t, err)
	return c.ActiveMessageIDs
}

func (fx *fixture) orchestrator(p provider.Provider, messages session.MessageStore, cfg Config) *Orchestrator {
	if messages == nil {
		messages = fx.store
	}
	return New(p, fx.window, messages, nil, cfg,
		WithUsageTracker(fx.usage),
		WithJournal(NewJournal(fx.journal)),
	)
}

func TestRun_Completed(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("Hel", "lo"), done(12, 3))}
	o := fx.orchestrator(p, nil, Config{SystemPrompt: "be brief"})
	rec := transporttest.NewRecorder()

	turn, err := o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, rec)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, turn.State())

	assert.Equal(t, 2, rec.Count(transporttest.KindChunk))
	assert.Equal(t, 1, rec.Count(transporttest.KindDone))
	assert.Equal(t, 1, rec.Terminals())

	events := rec.Events()
	require.Len(t, events, 4)
	assert.Equal(t, "Hel", events[0].Chunk.Content)
	assert.Equal(t, "fake", events[0].Chunk.Provider)
	assert.Equal(t, "fake-model", events[0].Chunk.Model)
	final := events[2].Chunk
	assert.True(t, final.Done)
	assert.Empty(t, final.Content)
	require.NotNil(t, final.Usage)
	assert.Equal(t, transport.Usage{InputTokens: 12, OutputTokens: 3}, *final.Usage)
	assert.Equal(t, transporttest.KindClose, events[3].Kind)

	user, assistant := turn.Messages()
	require.NotNil(t, user)
	require.NotNil(t, assistant)
	assert.Equal(t, user.ID, final.UserMessageID)
	assert.Equal(t, assistant.ID, final.AssistantMessageID)

	stored := fx.store.SessionMessages("s1")
	require.Len(t, stored, 2)
	assert.Equal(t, session.RoleUser, stored[0].Role)
	assert.Equal(t, "hi", stored[0].Content)
	assert.Equal(t, session.RoleAssistant, stored[1].Role)
	assert.Equal(t, "Hello", stored[1].Content)
	assert.Equal(t, "fake", stored[1].ProviderID)
	assert.Equal(t, "fake-model", stored[1].ModelID)
	require.NotNil(t, stored[1].TokenCount)
	assert.Equal(t, 3, *stored[1].TokenCount)
	require.NotNil(t, stored[0].TokenCount)

	c, err := fx.window.Context(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{user.ID, assistant.ID}, c.ActiveMessageIDs)

	assert.Equal(t, SessionUsage{Turns: 1, InputTokens: 12, OutputTokens: 3}, fx.usage.Session("s1"))
	assert.Contains(t, fx.journal.String(), `"type":"turn_completed"`)

	req := p.lastRequest()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
}

func TestRun_HistoryCarriedIntoNextTurn(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("first answer"), done(1, 2))}
	o := fx.orchestrator(p, nil, Config{})

	_, err := o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "first question"}, transporttest.NewRecorder())
	require.NoError(t, err)
	_, err = o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "second question"}, transporttest.NewRecorder())
	require.NoError(t, err)

	req := p.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "first question"}, req.Messages[0])
	assert.Equal(t, provider.Message{Role: provider.RoleAssistant, Content: "first answer"}, req.Messages[1])
	assert.Equal(t, provider.Message{Role: provider.RoleUser, Content: "second question"}, req.Messages[2])
}

func TestRun_ProviderErrorAfterPartials(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("a", "b", "c"),
		provider.Event{Type: provider.EventError, Error: errors.New("upstream reset")})}
	o := fx.orchestrator(p, nil, Config{})
	rec := transporttest.NewRecorder()

	turn, err := o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUtils.ErrProviderStream))
	assert.Equal(t, StateFailed, turn.State())

	assert.Equal(t, 3, rec.Count(transporttest.KindChunk))
	assert.Equal(t, 1, rec.Count(transporttest.KindError))
	assert.Equal(t, 0, rec.Count(transporttest.KindDone))
	assert.Equal(t, "provider_error", transport.ErrorCode(rec.Events()[3].Err))

	assert.Empty(t, fx.store.SessionMessages("s1"))
	assert.Empty(t, fx.activeIDs(t, "s1"))
	assert.Equal(t, SessionUsage{}, fx.usage.Session("s1"))
	assert.Contains(t, fx.journal.String(), `"type":"turn_failed"`)
}

func TestRun_StreamEndsWithoutDone(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: deltas("partial")}
	o := fx.orchestrator(p, nil, Config{})
	rec := transporttest.NewRecorder()

	_, err := o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUtils.ErrStreamTruncated))
	assert.Equal(t, 1, rec.Terminals())
	assert.Empty(t, fx.store.SessionMessages("s1"))
}

func TestRun_PersistenceFailure(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("ok"), done(1, 1))}
	o := fx.orchestrator(p, failingStore{fx.store}, Config{})
	rec := transporttest.NewRecorder()

	turn, err := o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUtils.ErrPersistence))
	assert.Equal(t, StateFailed, turn.State())

	assert.Equal(t, 1, rec.Count(transporttest.KindChunk))
	assert.Equal(t, 0, rec.Count(transporttest.KindDone))
	require.Equal(t, 1, rec.Count(transporttest.KindError))
	events := rec.Events()
	assert.Equal(t, "persistence_error", transport.ErrorCode(events[len(events)-1].Err))
	assert.Empty(t, fx.activeIDs(t, "s1"))
}

func TestRun_Timeout(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("late"), done(1, 1)), hold: make(chan struct{})}
	o := fx.orchestrator(p, nil, Config{Timeout: 20 * time.Millisecond})
	rec := transporttest.NewRecorder()

	_, err := o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUtils.ErrTurnTimeout))
	require.Equal(t, 1, rec.Count(transporttest.KindError))
	assert.Equal(t, "timeout", transport.ErrorCode(rec.Events()[0].Err))
	assert.Empty(t, fx.store.SessionMessages("s1"))
}

func TestRun_CallerCanceled(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("late"), done(1, 1)), hold: make(chan struct{})}
	o := fx.orchestrator(p, nil, Config{})
	rec := transporttest.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := o.Start(ctx, TurnRequest{SessionID: "s1", Message: "hi"}, rec)
	require.NoError(t, err)
	cancel()
	<-turn.Done()

	assert.True(t, errors.Is(turn.Err(), context.Canceled))
	assert.Equal(t, "canceled", transport.ErrorCode(turn.Err()))
	assert.Equal(t, 1, rec.Terminals())
}

func TestRun_TransportSendFailure(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("one", "two", "three"), done(1, 3))}
	o := fx.orchestrator(p, nil, Config{})
	rec := transporttest.NewRecorder()
	rec.FailAfter = 2

	_, err := o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUtils.ErrTransportClosed))
	assert.Equal(t, 1, rec.Count(transporttest.KindChunk))
	assert.Equal(t, 1, rec.Count(transporttest.KindError))
	assert.Empty(t, fx.store.SessionMessages("s1"))
}

func TestStart_OneTurnPerSession(t *testing.T) {
	fx := newFixture(t)
	hold := make(chan struct{})
	p := &fakeProvider{events: append(deltas("x"), done(1, 1)), hold: hold}
	o := fx.orchestrator(p, nil, Config{})

	first, err := o.Start(context.Background(), TurnRequest{SessionID: "s1", Message: "one"}, transporttest.NewRecorder())
	require.NoError(t, err)
	assert.True(t, o.InFlight("s1"))

	busy := transporttest.NewRecorder()
	_, err = o.Start(context.Background(), TurnRequest{SessionID: "s1", Message: "two"}, busy)
	assert.True(t, errors.Is(err, errUtils.ErrTurnInProgress))
	assert.Empty(t, busy.Events())

	// Other sessions are independent.
	other, err := o.Start(context.Background(), TurnRequest{SessionID: "s2", Message: "three"}, transporttest.NewRecorder())
	require.NoError(t, err)

	close(hold)
	require.NoError(t, first.Wait(context.Background()))
	require.NoError(t, other.Wait(context.Background()))
	assert.False(t, o.InFlight("s1"))

	_, err = o.Run(context.Background(), TurnRequest{SessionID: "s1", Message: "four"}, transporttest.NewRecorder())
	require.NoError(t, err)
	assert.Len(t, fx.store.SessionMessages("s1"), 4)
}

func TestStart_RejectsEmptyInput(t *testing.T) {
	fx := newFixture(t)
	o := fx.orchestrator(&fakeProvider{}, nil, Config{})

	_, err := o.Start(context.Background(), TurnRequest{SessionID: "s1", Message: "   "}, transporttest.NewRecorder())
	assert.True(t, errors.Is(err, errUtils.ErrEmptyMessage))
	_, err = o.Start(context.Background(), TurnRequest{Message: "hi"}, transporttest.NewRecorder())
	assert.True(t, errors.Is(err, errUtils.ErrEmptyMessage))
}

func TestRun_RequestOverrides(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: []provider.Event{done(0, 0)}}
	temp := 0.2
	o := fx.orchestrator(p, nil, Config{Model: "cfg-model", SystemPrompt: "cfg", MaxTokens: 256})

	_, err := o.Run(context.Background(), TurnRequest{
		SessionID:    "s1",
		Message:      "hi",
		Model:        "req-model",
		SystemPrompt: "req",
		Temperature:  &temp,
	}, transporttest.NewRecorder())
	require.NoError(t, err)

	req := p.lastRequest()
	assert.Equal(t, "req-model", req.Model)
	assert.Equal(t, "req", req.Messages[0].Content)
	assert.Equal(t, 256, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
	assert.Nil(t, req.TopP)

	// Empty reply with no reported usage still counts the assistant message.
	stored := fx.store.SessionMessages("s1")
	require.Len(t, stored, 2)
	require.NotNil(t, stored[1].TokenCount)
	assert.Equal(t, 0, *stored[1].TokenCount)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "START", StateStart.String())
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}


func TestStart_UnknownSession(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("hi"), done(1, 1))}
	o := fx.orchestrator(p, nil, Config{})
	rec := transporttest.NewRecorder()

	_, err := o.Start(context.Background(), TurnRequest{SessionID: "never-created", Message: "hello"}, rec)
	assert.True(t, errors.Is(err, errUtils.ErrContextNotFound))
	assert.Empty(t, rec.Events())
	assert.False(t, o.InFlight("never-created"))
	assert.Nil(t, p.lastRequest())

	_, err = fx.window.Context(context.Background(), "never-created")
	assert.True(t, errors.Is(err, errUtils.ErrContextNotFound))
	assert.Empty(t, fx.store.SessionMessages("never-created"))
}

func TestExclusive_HoldsTheTurnSlot(t *testing.T) {
	fx := newFixture(t)
	p := &fakeProvider{events: append(deltas("hi"), done(1, 1))}
	o := fx.orchestrator(p, nil, Config{})

	err := o.Exclusive("s1", func() error {
		assert.True(t, o.InFlight("s1"))
		_, err := o.Start(context.Background(), TurnRequest{SessionID: "s1", Message: "hello"}, transporttest.NewRecorder())
		assert.True(t, errors.Is(err, errUtils.ErrTurnInProgress))
		return fx.window.Delete(context.Background(), "s1")
	})
	require.NoError(t, err)
	assert.False(t, o.InFlight("s1"))

	// The deleted session stays deleted.
	_, err = o.Start(context.Background(), TurnRequest{SessionID: "s1", Message: "hello"}, transporttest.NewRecorder())
	assert.True(t, errors.Is(err, errUtils.ErrContextNotFound))
}

func TestExclusive_BusyWhileTurnRuns(t *testing.T) {
	fx := newFixture(t)
	hold := make(chan struct{})
	p := &fakeProvider{events: append(deltas("x"), done(1, 1)), hold: hold}
	o := fx.orchestrator(p, nil, Config{})

	turn, err := o.Start(context.Background(), TurnRequest{SessionID: "s1", Message: "one"}, transporttest.NewRecorder())
	require.NoError(t, err)

	called := false
	err = o.Exclusive("s1", func() error { called = true; return nil })
	assert.True(t, errors.Is(err, errUtils.ErrTurnInProgress))
	assert.False(t, called)

	close(hold)
	require.NoError(t, turn.Wait(context.Background()))
	require.NoError(t, o.Exclusive("s1", func() error { called = true; return nil }))
	assert.True(t, called)
}
