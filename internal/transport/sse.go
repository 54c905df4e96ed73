package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"

	errUtils "github.com/apexion-ai/chatcore/errors"
)

// SSEStream writes turn events as server-sent events:
//
//	event: chunk | done | error
//	data: <json>
type SSEStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	closed  bool
}

type sseError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewSSEStream wraps w. It fails when w cannot flush. The event-stream
// headers go out with the first event, so w stays usable for a plain error
// response until then.
func NewSSEStream(w http.ResponseWriter) (*SSEStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &SSEStream{w: w, flusher: flusher}, nil
}

// Started reports whether any event has been written.
func (s *SSEStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *SSEStream) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *SSEStream) Send(chunk Chunk) error {
	event := "chunk"
	if chunk.Done {
		event = "done"
	}
	return s.write(event, chunk, false)
}

func (s *SSEStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SSEStream) Fail(err error) error {
	return s.write("error", sseError{Error: err.Error(), Code: ErrorCode(err)}, true)
}

func (s *SSEStream) write(event string, payload any, closeAfter bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errUtils.ErrTransportClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	if !s.started {
		s.start()
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.closed = true
		return errors.Wrap(errUtils.ErrTransportClosed, err.Error())
	}
	s.flusher.Flush()
	if closeAfter {
		s.closed = true
	}
	return nil
}
