package chat

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// JournalEventType classifies a turn lifecycle record.
type JournalEventType string

const (
	JournalTurnStart     JournalEventType = "turn_start"
	JournalTurnCompleted JournalEventType = "turn_completed"
	JournalTurnFailed    JournalEventType = "turn_failed"
)

// JournalEvent is one JSONL line of the turn journal.
type JournalEvent struct {
	Type      JournalEventType `json:"type"`
	Timestamp time.Time        `json:"ts"`
	SessionID string           `json:"session_id"`
	TurnID    string           `json:"turn_id"`
	Data      map[string]any   `json:"data,omitempty"`
}

// Journal appends turn lifecycle events as JSON lines.
type Journal struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	enc    *json.Encoder
	path   string
	now    func() time.Time
}

// OpenJournal appends to the file at path, creating its directory.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create journal directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	j := NewJournal(f)
	j.closer = f
	j.path = path
	return j, nil
}

// NewJournal writes to w.
func NewJournal(w io.Writer) *Journal {
	return &Journal{w: w, enc: json.NewEncoder(w), now: time.Now}
}

// Log writes one event. Encoding errors are dropped; the journal never fails
// a turn.
func (j *Journal) Log(evtType JournalEventType, sessionID, turnID string, data map[string]any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.enc == nil {
		return
	}
	_ = j.enc.Encode(JournalEvent{
		Type:      evtType,
		Timestamp: j.now(),
		SessionID: sessionID,
		TurnID:    turnID,
		Data:      data,
	})
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enc = nil
	if j.closer != nil {
		err := j.closer.Close()
		j.closer = nil
		return err
	}
	return nil
}

// ReadJournal returns the last n events of the journal file at path (all
// when n <= 0). Malformed lines are skipped.
func ReadJournal(path string, n int) ([]JournalEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	defer f.Close()

	var events []JournalEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var evt JournalEvent
		if json.Unmarshal(scanner.Bytes(), &evt) == nil {
			events = append(events, evt)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read journal")
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
