// Package chat drives one chat turn end to end: it reads the session window,
// assembles the request, streams the provider reply to the caller and, only
// once the provider reports completion, persists both messages and appends
// them to the window.
//
// A turn moves through START -> REQUEST_BUILT -> STREAMING and ends in
// COMPLETED or FAILED. Nothing is written before the provider completes, so a
// failed turn leaves no messages and no window change behind.
package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/logging"
	"github.com/apexion-ai/chatcore/internal/prompt"
	"github.com/apexion-ai/chatcore/internal/provider"
	"github.com/apexion-ai/chatcore/internal/session"
	"github.com/apexion-ai/chatcore/internal/tokens"
	"github.com/apexion-ai/chatcore/internal/transport"
	"github.com/apexion-ai/chatcore/internal/window"
)

const (
	DefaultTurnTimeout = 5 * time.Minute
	commitTimeout      = 30 * time.Second
)

// State is the position of a turn in its lifecycle.
type State int32

const (
	StateStart State = iota
	StateRequestBuilt
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateRequestBuilt:
		return "REQUEST_BUILT"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Window is the part of window.Manager a turn uses.
type Window interface {
	Context(ctx context.Context, sessionID string) (*session.Context, error)
	Snapshot(ctx context.Context, sessionID string) (*window.Snapshot, error)
	AddMessage(ctx context.Context, sessionID, messageID string) error
}

// Config holds the per-deployment turn defaults.
type Config struct {
	SystemPrompt string
	Model        string // empty = provider default
	Temperature  *float64
	TopP         *float64
	MaxTokens    int
	Timeout      time.Duration // 0 = DefaultTurnTimeout
}

// TurnRequest is one user message. Non-empty fields override Config.
type TurnRequest struct {
	SessionID    string
	Message      string
	SystemPrompt string
	Model        string
	Temperature  *float64
	TopP         *float64
}

// Orchestrator runs turns. At most one turn per session is in flight.
type Orchestrator struct {
	provider  provider.Provider
	window    Window
	messages  session.MessageStore
	assembler *prompt.Assembler
	counter   tokens.Counter
	cfg       Config
	journal   *Journal
	usage     *UsageTracker
	log       *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]string // session id -> turn id
}

type Option func(*Orchestrator)

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.log = logging.OrDiscard(l) }
}

// WithJournal records turn lifecycle events.
func WithJournal(j *Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithUsageTracker records usage of completed turns.
func WithUsageTracker(u *UsageTracker) Option {
	return func(o *Orchestrator) { o.usage = u }
}

// WithCounter sets the counter used when the provider reports no usage.
func WithCounter(c tokens.Counter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(p provider.Provider, w Window, messages session.MessageStore, assembler *prompt.Assembler, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTurnTimeout
	}
	if assembler == nil {
		assembler = prompt.NewAssembler(prompt.Options{})
	}
	o := &Orchestrator{
		provider:  p,
		window:    w,
		messages:  messages,
		assembler: assembler,
		counter:   tokens.NewEstimator(0),
		cfg:       cfg,
		log:       logging.Discard(),
		now:       time.Now,
		inflight:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins a turn and returns without waiting for it. Events go to
// stream; the returned Turn reports the outcome. Start fails for invalid
// input, for a session without a context (errors.ErrContextNotFound) and when
// the session already has a turn in flight. In all three cases stream is left
// untouched.
func (o *Orchestrator) Start(ctx context.Context, req TurnRequest, stream transport.Stream) (*Turn, error) {
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Message) == "" {
		return nil, errUtils.ErrEmptyMessage
	}

	turn := newTurn(req.SessionID)
	if !o.acquire(req.SessionID, turn.ID) {
		return nil, errors.Wrapf(errUtils.ErrTurnInProgress, "session %s", req.SessionID)
	}
	if _, err := o.window.Context(ctx, req.SessionID); err != nil {
		o.release(req.SessionID)
		return nil, err
	}

	go o.run(ctx, turn, req, stream)
	return turn, nil
}

// Run starts a turn and waits for it to finish.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, stream transport.Stream) (*Turn, error) {
	turn, err := o.Start(ctx, req, stream)
	if err != nil {
		return nil, err
	}
	<-turn.Done()
	return turn, turn.Err()
}

// InFlight reports whether the session has a running turn.
func (o *Orchestrator) InFlight(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[sessionID]
	return ok
}

// Exclusive runs fn while holding the session's turn slot, so no turn can
// start or commit for the session until fn returns. It fails with
// errors.ErrTurnInProgress when a turn is already running.
func (o *Orchestrator) Exclusive(sessionID string, fn func() error) error {
	if !o.acquire(sessionID, "exclusive") {
		return errors.Wrapf(errUtils.ErrTurnInProgress, "session %s", sessionID)
	}
	defer o.release(sessionID)
	return fn()
}

func (o *Orchestrator) acquire(sessionID, turnID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[sessionID]; busy {
		return false
	}
	o.inflight[sessionID] = turnID
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, sessionID)
}

// turnRun is the request-scoped state of one turn.
type turnRun struct {
	turn      *Turn
	stream    transport.Stream
	provider  string
	model     string
	user      *session.Message
	assistant *session.Message
	logger    *log.Logger
}

func (o *Orchestrator) run(parent context.Context, turn *Turn, req TurnRequest, stream transport.Stream) {
	defer close(turn.done)
	defer o.release(req.SessionID)

	ctx, cancel := context.WithTimeout(parent, o.cfg.Timeout)
	defer cancel()

	// START
	model := firstNonEmpty(req.Model, o.cfg.Model, o.provider.DefaultModel())
	now := o.now()
	r := &turnRun{
		turn:      turn,
		stream:    stream,
		provider:  o.provider.Name(),
		model:     model,
		user:      session.NewMessage(req.SessionID, session.RoleUser, req.Message, now),
		assistant: session.NewMessage(req.SessionID, session.RoleAssistant, "", now),
		logger:    o.log.With("session_id", req.SessionID, "turn_id", turn.ID),
	}
	r.assistant.ProviderID = r.provider
	r.assistant.ModelID = model
	o.journal.Log(JournalTurnStart, req.SessionID, turn.ID, map[string]any{"provider": r.provider, "model": model})
	r.logger.Debug("turn started", "provider", r.provider, "model", model)

	// REQUEST_BUILT: the window is read once and not refreshed mid-stream.
	snap, err := o.window.Snapshot(ctx, req.SessionID)
	if err != nil {
		o.fail(r, errors.Wrap(err, "load window"))
		return
	}
	chatReq := o.assembler.Build(prompt.Input{
		History:      snap.Messages,
		Summary:      snap.Summary,
		UserMessage:  req.Message,
		SystemPrompt: firstNonEmpty(req.SystemPrompt, o.cfg.SystemPrompt),
		Model:        model,
		Temperature:  firstNonNil(req.Temperature, o.cfg.Temperature),
		TopP:         firstNonNil(req.TopP, o.cfg.TopP),
	})
	chatReq.MaxTokens = o.cfg.MaxTokens
	turn.setState(StateRequestBuilt)

	// STREAMING
	events, err := o.provider.Chat(ctx, chatReq)
	if err != nil {
		o.fail(r, o.streamErr(ctx, err))
		return
	}
	turn.setState(StateStreaming)

	text, usage, err := o.stream(ctx, cancel, r, events)
	if err != nil {
		o.fail(r, err)
		return
	}

	// COMPLETED: commit on a context that outlives caller cancellation.
	commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(parent), commitTimeout)
	defer commitCancel()
	if err := o.commit(commitCtx, r, text, usage); err != nil {
		o.fail(r, errors.Mark(errors.Wrap(err, "commit turn"), errUtils.ErrPersistence))
		return
	}
	o.complete(r, usage)
}

// stream forwards deltas until the provider completes or fails.
func (o *Orchestrator) stream(ctx context.Context, cancel context.CancelFunc, r *turnRun, events <-chan provider.Event) (string, *provider.Usage, error) {
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			go provider.Drain(events)
			return "", nil, o.streamErr(ctx, ctx.Err())

		case ev, ok := <-events:
			if !ok {
				return "", nil, o.streamErr(ctx, errUtils.ErrStreamTruncated)
			}
			switch ev.Type {
			case provider.EventTextDelta:
				text.WriteString(ev.TextDelta)
				if err := r.stream.Send(transport.Chunk{Content: ev.TextDelta, Provider: r.provider, Model: r.model}); err != nil {
					cancel()
					go provider.Drain(events)
					return "", nil, errors.Wrap(err, "send chunk")
				}
			case provider.EventDone:
				go provider.Drain(events)
				usage := ev.Usage
				if usage == nil {
					usage = &provider.Usage{}
				}
				return text.String(), usage, nil
			case provider.EventError:
				go provider.Drain(events)
				return "", nil, o.streamErr(ctx, ev.Error)
			}
		}
	}
}

// streamErr classifies a failure while talking to the provider. A turn whose
// deadline passed reports a timeout whatever the provider said.
func (o *Orchestrator) streamErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(errUtils.ErrTurnTimeout, "after %s", o.cfg.Timeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return errors.Wrap(context.Canceled, "turn canceled")
	}
	if err == nil {
		err = errUtils.ErrProviderStream
	}
	if errors.Is(err, errUtils.ErrProviderStream) || errors.Is(err, errUtils.ErrStreamTruncated) {
		return err
	}
	return errors.Mark(errors.Wrap(err, "provider stream"), errUtils.ErrProviderStream)
}

// commit persists both messages and then appends them to the window, user
// message first.
func (o *Orchestrator) commit(ctx context.Context, r *turnRun, text string, usage *provider.Usage) error {
	// Provider input tokens cover the whole prompt, so the user message is
	// sized on its own content.
	r.user.SetTokenCount(o.counter.Count(r.user.Content))
	out := usage.OutputTokens
	if out <= 0 {
		out = o.counter.Count(text)
	}
	r.assistant.SetTokenCount(out)
	r.assistant.Content = text
	r.assistant.CreatedAt = o.now()
	if !r.assistant.CreatedAt.After(r.user.CreatedAt) {
		r.assistant.CreatedAt = r.user.CreatedAt.Add(time.Microsecond)
	}

	if err := o.messages.InsertBatch(ctx, []*session.Message{r.user, r.assistant}); err != nil {
		return errors.Wrap(err, "insert messages")
	}
	if err := o.window.AddMessage(ctx, r.user.SessionID, r.user.ID); err != nil {
		return errors.Wrap(err, "append user message to window")
	}
	if err := o.window.AddMessage(ctx, r.assistant.SessionID, r.assistant.ID); err != nil {
		return errors.Wrap(err, "append assistant message to window")
	}
	return nil
}

func (o *Orchestrator) complete(r *turnRun, usage *provider.Usage) {
	if o.usage != nil {
		o.usage.Record(r.user.SessionID, r.model, usage.InputTokens, usage.OutputTokens)
	}

	r.turn.finish(StateCompleted, nil, r.user, r.assistant)

	final := transport.Chunk{
		Done:               true,
		Provider:           r.provider,
		Model:              r.model,
		UserMessageID:      r.user.ID,
		AssistantMessageID: r.assistant.ID,
		Usage:              &transport.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
	}
	if err := r.stream.Send(final); err != nil {
		r.logger.Warn("final chunk not delivered", "err", err)
	}
	if err := r.stream.Close(); err != nil {
		r.logger.Debug("close stream", "err", err)
	}

	o.journal.Log(JournalTurnCompleted, r.user.SessionID, r.turn.ID, map[string]any{
		"user_message_id":      r.user.ID,
		"assistant_message_id": r.assistant.ID,
		"input_tokens":         usage.InputTokens,
		"output_tokens":        usage.OutputTokens,
	})
	r.logger.Info("turn completed", "input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
}

func (o *Orchestrator) fail(r *turnRun, err error) {
	from := r.turn.State()
	r.turn.finish(StateFailed, err, nil, nil)

	if ferr := r.stream.Fail(err); ferr != nil {
		r.logger.Debug("error event not delivered", "err", ferr)
	}

	o.journal.Log(JournalTurnFailed, r.user.SessionID, r.turn.ID, map[string]any{
		"state": from.String(),
		"code":  transport.ErrorCode(err),
		"error": err.Error(),
	})
	r.logger.Warn("turn failed", "state", from, "err", err)
}

// Turn is the handle of a running turn.
type Turn struct {
	ID        string
	SessionID string

	state atomic.Int32
	done  chan struct{}

	// Written once before done is closed.
	err       error
	user      *session.Message
	assistant *session.Message
}

func newTurn(sessionID string) *Turn {
	return &Turn{ID: uuid.NewString(), SessionID: sessionID, done: make(chan struct{})}
}

// Done is closed when the turn reaches COMPLETED or FAILED.
func (t *Turn) Done() <-chan struct{} { return t.done }

func (t *Turn) State() State { return State(t.state.Load()) }

// Err is the failure cause once Done is closed; nil for a completed turn.
func (t *Turn) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Messages returns the persisted user and assistant messages of a completed
// turn, or nil before completion.
func (t *Turn) Messages() (user, assistant *session.Message) {
	select {
	case <-t.done:
		return t.user, t.assistant
	default:
		return nil, nil
	}
}

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Turn) setState(s State) { t.state.Store(int32(s)) }

func (t *Turn) finish(s State, err error, user, assistant *session.Message) {
	t.err = err
	t.user = user
	t.assistant = assistant
	t.setState(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNil(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
