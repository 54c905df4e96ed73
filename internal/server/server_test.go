package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexion-ai/chatcore/internal/chat"
	"github.com/apexion-ai/chatcore/internal/overflow"
	"github.com/apexion-ai/chatcore/internal/provider"
	"github.com/apexion-ai/chatcore/internal/session"
	"github.com/apexion-ai/chatcore/internal/transport/transporttest"
	"github.com/apexion-ai/chatcore/internal/window"
)

// echoProvider streams the last user turn back in two pieces. When hold is
// set it waits for hold to close first.
type echoProvider struct {
	hold chan struct{}
}

func (p *echoProvider) Chat(ctx context.Context, req *provider.ChatRequest) (<-chan provider.Event, error) {
	last := req.Messages[len(req.Messages)-1].Content
	ch := make(chan provider.Event, 4)
	go func() {
		defer close(ch)
		if p.hold != nil {
			select {
			case <-p.hold:
			case <-ctx.Done():
				ch <- provider.Event{Type: provider.EventError, Error: ctx.Err()}
				return
			}
		}
		ch <- provider.Event{Type: provider.EventTextDelta, TextDelta: "echo: "}
		ch <- provider.Event{Type: provider.EventTextDelta, TextDelta: last}
		ch <- provider.Event{Type: provider.EventDone, Usage: &provider.Usage{InputTokens: 7, OutputTokens: 3}}
	}()
	return ch, nil
}

func (p *echoProvider) Name() string         { return "echo" }
func (p *echoProvider) DefaultModel() string { return "echo-1" }
func (p *echoProvider) ContextWindow() int   { return 4096 }

type testEnv struct {
	handler http.Handler
	orch    *chat.Orchestrator
	store   *session.MemoryStore
}

func newTestEnv(t *testing.T, p provider.Provider) *testEnv {
	t.Helper()
	store := session.NewMemoryStore()
	strategy, err := overflow.New(overflow.Config{Type: overflow.TypeNone})
	require.NoError(t, err)
	win := window.NewManager(store, store, strategy)
	usage := chat.NewUsageTracker(nil)
	orch := chat.New(p, win, store, nil, chat.Config{}, chat.WithUsageTracker(usage))
	return &testEnv{
		handler: New(orch, win, store, usage, nil),
		orch:    orch,
		store:   store,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	w := e.do(http.MethodPost, "/v1/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp createSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func decodeContext(t *testing.T, w *httptest.ResponseRecorder) contextResponse {
	t.Helper()
	var resp contextResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	w := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateSession_EmptyWindow(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	id := env.createSession(t)

	w := env.do(http.MethodGet, "/v1/sessions/"+id+"/context", "")
	require.Equal(t, http.StatusOK, w.Code)
	ctx := decodeContext(t, w)
	assert.Equal(t, id, ctx.SessionID)
	assert.Empty(t, ctx.ActiveMessageIDs)
	assert.Empty(t, ctx.Messages)
}

func TestSendMessage_StreamsAndCommits(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	id := env.createSession(t)

	w := env.do(http.MethodPost, "/v1/sessions/"+id+"/messages", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: chunk\n"))
	assert.Equal(t, 1, strings.Count(body, "event: done\n"))
	assert.NotContains(t, body, "event: error")
	assert.Contains(t, body, `"content":"hello"`)
	assert.Contains(t, body, `"provider":"echo"`)

	w = env.do(http.MethodGet, "/v1/sessions/"+id+"/context", "")
	require.Equal(t, http.StatusOK, w.Code)
	ctx := decodeContext(t, w)
	require.Len(t, ctx.Messages, 2)
	assert.Equal(t, "user", ctx.Messages[0].Role)
	assert.Equal(t, "echo: hello", ctx.Messages[1].Content)
	assert.Equal(t, []string{ctx.Messages[0].ID, ctx.Messages[1].ID}, ctx.ActiveMessageIDs)

	w = env.do(http.MethodGet, "/v1/sessions/"+id+"/usage", "")
	require.Equal(t, http.StatusOK, w.Code)
	var usage chat.SessionUsage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, chat.SessionUsage{Turns: 1, InputTokens: 7, OutputTokens: 3}, usage)
}

func TestSendMessage_BadRequest(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})

	w := env.do(http.MethodPost, "/v1/sessions/s1/messages", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/v1/sessions/s1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessage_ConflictWhileTurnInFlight(t *testing.T) {
	hold := make(chan struct{})
	env := newTestEnv(t, &echoProvider{hold: hold})
	id := env.createSession(t)

	turn, err := env.orch.Start(context.Background(), chat.TurnRequest{SessionID: id, Message: "first"}, transporttest.NewRecorder())
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/v1/sessions/"+id+"/messages", `{"message":"second"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	w = env.do(http.MethodDelete, "/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	w = env.do(http.MethodDelete, "/v1/sessions/"+id+"/context", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	close(hold)
	require.NoError(t, turn.Wait(context.Background()))
	assert.Len(t, env.store.SessionMessages(id), 2)
}

func TestSendMessage_UnknownSession(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})

	w := env.do(http.MethodPost, "/v1/sessions/never-created/messages", `{"message":"hello"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Empty(t, env.store.SessionMessages("never-created"))

	w = env.do(http.MethodGet, "/v1/sessions/never-created/context", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage_AfterDeleteIsNotFound(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	id := env.createSession(t)

	w := env.do(http.MethodDelete, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodPost, "/v1/sessions/"+id+"/messages", `{"message":"hello"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "event: done")

	w = env.do(http.MethodGet, "/v1/sessions/"+id+"/context", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, env.store.SessionMessages(id))
}

func TestClearContext_UnknownSession(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	w := env.do(http.MethodDelete, "/v1/sessions/missing/context", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/v1/sessions/missing/context", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetContext_NotFound(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	w := env.do(http.MethodGet, "/v1/sessions/missing/context", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearContext_KeepsMessages(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	id := env.createSession(t)
	env.do(http.MethodPost, "/v1/sessions/"+id+"/messages", `{"message":"hello"}`)

	w := env.do(http.MethodDelete, "/v1/sessions/"+id+"/context", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodGet, "/v1/sessions/"+id+"/context", "")
	ctx := decodeContext(t, w)
	assert.Empty(t, ctx.ActiveMessageIDs)
	assert.Empty(t, ctx.Summary)
	assert.Len(t, env.store.SessionMessages(id), 2)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	id := env.createSession(t)
	env.do(http.MethodPost, "/v1/sessions/"+id+"/messages", `{"message":"hello"}`)

	w := env.do(http.MethodDelete, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Empty(t, env.store.SessionMessages(id))
	w = env.do(http.MethodGet, "/v1/sessions/"+id+"/context", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/v1/sessions/"+id+"/usage", "")
	var usage chat.SessionUsage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Zero(t, usage.Turns)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, &echoProvider{})
	w := env.do(http.MethodGet, "/v1/sessions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
