package transport

import (
	"fmt"
	"io"
	"strings"
	"sync"

	errUtils "github.com/apexion-ai/chatcore/errors"
)

// WriterStream prints a turn to a terminal or pipe. With echo off the text is
// only accumulated, for callers that render the reply themselves.
type WriterStream struct {
	mu     sync.Mutex
	out    io.Writer
	echo   bool
	text   strings.Builder
	final  *Chunk
	err    error
	closed bool
}

func NewWriterStream(out io.Writer, echo bool) *WriterStream {
	return &WriterStream{out: out, echo: echo}
}

func (s *WriterStream) Send(chunk Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errUtils.ErrTransportClosed
	}
	if chunk.Done {
		c := chunk
		s.final = &c
		if s.echo && s.text.Len() > 0 {
			fmt.Fprintln(s.out)
		}
		return nil
	}
	s.text.WriteString(chunk.Content)
	if s.echo {
		if _, err := io.WriteString(s.out, chunk.Content); err != nil {
			return err
		}
	}
	return nil
}

func (s *WriterStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *WriterStream) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errUtils.ErrTransportClosed
	}
	s.err = err
	s.closed = true
	return nil
}

// Text returns the streamed reply so far.
func (s *WriterStream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Final returns the done chunk, or nil if the turn did not complete.
func (s *WriterStream) Final() *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Err returns the failure passed to Fail.
func (s *WriterStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
