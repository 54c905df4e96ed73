// Package server exposes chat turns and session windows over HTTP. Turn
// replies stream as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/chat"
	"github.com/apexion-ai/chatcore/internal/logging"
	"github.com/apexion-ai/chatcore/internal/session"
	"github.com/apexion-ai/chatcore/internal/transport"
	"github.com/apexion-ai/chatcore/internal/window"
)

type Server struct {
	chat     *chat.Orchestrator
	window   *window.Manager
	messages session.MessageStore
	usage    *chat.UsageTracker
	log      *log.Logger
}

// New returns the API handler. usage may be nil.
func New(orch *chat.Orchestrator, win *window.Manager, messages session.MessageStore, usage *chat.UsageTracker, logger *log.Logger) http.Handler {
	s := &Server{
		chat:     orch,
		window:   win,
		messages: messages,
		usage:    usage,
		log:      logging.OrDiscard(logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /v1/sessions/{id}/context", s.handleGetContext)
	mux.HandleFunc("DELETE /v1/sessions/{id}/context", s.handleClearContext)
	mux.HandleFunc("GET /v1/sessions/{id}/usage", s.handleUsage)

	return chainMiddlewares(mux, s.withRecover, s.withLogging)
}

// ListenAndServe serves h on addr until ctx is done, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *log.Logger) error {
	logger = logging.OrDiscard(logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "listen on %s", addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

// ─────────────────────────────────────────────
// DTOs
// ─────────────────────────────────────────────

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sendMessageRequest struct {
	Message      string   `json:"message"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
}

type messageResponse struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TokenCount *int      `json:"token_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ProviderID string    `json:"provider_id,omitempty"`
	ModelID    string    `json:"model_id,omitempty"`
}

type contextResponse struct {
	SessionID        string            `json:"session_id"`
	ActiveMessageIDs []string          `json:"active_message_ids"`
	Summary          string            `json:"summary"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Messages         []messageResponse `json:"messages"`
}

// ─────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := session.NewSessionID()
	if err := s.window.CreateInitialContext(r.Context(), id); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		badRequest(w, "message is required")
		return
	}

	stream, err := transport.NewSSEStream(w)
	if err != nil {
		s.internalError(w, err)
		return
	}

	turn, err := s.chat.Start(r.Context(), chat.TurnRequest{
		SessionID:    sessionID,
		Message:      req.Message,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
	}, stream)
	switch {
	case errors.Is(err, errUtils.ErrTurnInProgress):
		writeJSON(w, http.StatusConflict, errorBody("a turn is already in progress for this session"))
		return
	case errors.Is(err, errUtils.ErrEmptyMessage):
		badRequest(w, "message is required")
		return
	case errors.Is(err, errUtils.ErrContextNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("session not found"))
		return
	case err != nil:
		s.internalError(w, err)
		return
	}

	// The response writer is only valid until the handler returns.
	<-turn.Done()
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	c, err := s.window.Context(r.Context(), sessionID)
	if errors.Is(err, errUtils.ErrContextNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("session not found"))
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	snap, err := s.window.Snapshot(r.Context(), sessionID)
	if err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, contextResponse{
		SessionID:        c.SessionID,
		ActiveMessageIDs: c.ActiveMessageIDs,
		Summary:          snap.Summary,
		UpdatedAt:        c.UpdatedAt,
		Messages:         toMessagesResponse(snap.Messages),
	})
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	err := s.chat.Exclusive(sessionID, func() error {
		return s.window.Clear(r.Context(), sessionID)
	})
	s.writeMutation(w, err)
}

// handleDeleteSession removes the messages first and then the window. It
// holds the session's turn slot throughout, so no turn can commit into a
// half-deleted session.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	err := s.chat.Exclusive(sessionID, func() error {
		if err := s.messages.DeleteBySession(r.Context(), sessionID); err != nil {
			return err
		}
		if err := s.window.Delete(r.Context(), sessionID); err != nil {
			return err
		}
		if s.usage != nil {
			s.usage.Forget(sessionID)
		}
		return nil
	})
	s.writeMutation(w, err)
}

// writeMutation answers a session mutation run under Exclusive.
func (s *Server) writeMutation(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, errUtils.ErrTurnInProgress):
		writeJSON(w, http.StatusConflict, errorBody("a turn is in progress for this session"))
	case errors.Is(err, errUtils.ErrContextNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("session not found"))
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var usage chat.SessionUsage
	if s.usage != nil {
		usage = s.usage.Session(r.PathValue("id"))
	}
	writeJSON(w, http.StatusOK, usage)
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func toMessagesResponse(msgs []*session.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    m.Content,
			TokenCount: m.TokenCount,
			CreatedAt:  m.CreatedAt,
			ProviderID: m.ProviderID,
			ModelID:    m.ModelID,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody(msg))
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
}
