// Package transporttest provides an in-memory transport.Stream for tests.
package transporttest

import (
	"sync"

	"github.com/cockroachdb/errors"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/transport"
)

type EventKind string

const (
	KindChunk EventKind = "chunk"
	KindDone  EventKind = "done"
	KindError EventKind = "error"
	KindClose EventKind = "close"
)

// Event is one call recorded by Recorder.
type Event struct {
	Kind  EventKind
	Chunk transport.Chunk
	Err   error
}

// Recorder is an in-memory Stream that keeps every call in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool

	// FailAfter makes the Nth and later Send calls fail; 0 disables it.
	FailAfter int
	sends     int
}

var _ transport.Stream = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(chunk transport.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errUtils.ErrTransportClosed
	}
	r.sends++
	if r.FailAfter > 0 && r.sends >= r.FailAfter {
		return errors.Wrap(errUtils.ErrTransportClosed, "client went away")
	}
	kind := KindChunk
	if chunk.Done {
		kind = KindDone
	}
	r.events = append(r.events, Event{Kind: kind, Chunk: chunk})
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.events = append(r.events, Event{Kind: KindClose})
	return nil
}

func (r *Recorder) Fail(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errUtils.ErrTransportClosed
	}
	r.closed = true
	r.events = append(r.events, Event{Kind: KindError, Err: err})
	return nil
}

// Events returns a copy of the recorded calls.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many calls of kind were recorded.
func (r *Recorder) Count(kind EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Terminals counts done chunks and errors, which must total one per turn.
func (r *Recorder) Terminals() int {
	return r.Count(KindDone) + r.Count(KindError)
}
