package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	errUtils "github.com/apexion-ai/chatcore/errors"
)

// selectChunkSize keeps IN (...) lists under SQLite's bound-parameter limit.
const selectChunkSize = 500

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		token_count INTEGER,
		provider_id TEXT NOT NULL DEFAULT '',
		model_id    TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS contexts (
		session_id         TEXT PRIMARY KEY,
		active_message_ids TEXT NOT NULL DEFAULT '[]',
		summary            TEXT,
		updated_at         TEXT NOT NULL
	)`,
}

// SQLiteStore implements MessageStore and ContextStore on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path (~/.local/share/chatcore/chat.db).
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "chatcore", "chat.db"), nil
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
// ":memory:" is accepted for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer; also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "%s", p)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, token_count, provider_id, model_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, m := range msgs {
		var tc sql.NullInt64
		if m.TokenCount != nil {
			tc = sql.NullInt64{Int64: int64(*m.TokenCount), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.SessionID, string(m.Role), m.Content, tc,
			m.ProviderID, m.ModelID, m.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return errors.Wrapf(err, "insert message %s", m.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit insert")
}

func (s *SQLiteStore) SelectByIDs(ctx context.Context, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return []*Message{}, nil
	}

	byID := make(map[string]*Message, len(ids))
	for _, chunk := range lo.Chunk(lo.Uniq(ids), selectChunkSize) {
		query := `SELECT id, session_id, role, content, token_count, provider_id, model_id, created_at
			FROM messages WHERE id IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.db.QueryContext(ctx, query, lo.ToAnySlice(chunk)...)
		if err != nil {
			return nil, errors.Wrap(err, "select messages")
		}
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			byID[m.ID] = m
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "iterate messages")
		}
	}

	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	return errors.Wrapf(err, "delete messages of %s", sessionID)
}

func (s *SQLiteStore) GetContext(ctx context.Context, sessionID string) (*Context, error) {
	var (
		idsJSON   string
		summary   sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT active_message_ids, summary, updated_at FROM contexts WHERE session_id = ?`, sessionID,
	).Scan(&idsJSON, &summary, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errUtils.ErrContextNotFound, "session %s", sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select context")
	}

	c := &Context{SessionID: sessionID, Summary: summary.String}
	if err := json.Unmarshal([]byte(idsJSON), &c.ActiveMessageIDs); err != nil {
		return nil, errors.Wrapf(err, "decode window of %s", sessionID)
	}
	if c.ActiveMessageIDs == nil {
		c.ActiveMessageIDs = []string{}
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}

func (s *SQLiteStore) UpsertContext(ctx context.Context, c *Context) error {
	ids := c.ActiveMessageIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, "encode window")
	}
	summary := sql.NullString{String: c.Summary, Valid: c.Summary != ""}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (session_id, active_message_ids, summary, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			active_message_ids = excluded.active_message_ids,
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		c.SessionID, string(idsJSON), summary, c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return errors.Wrapf(err, "upsert context %s", c.SessionID)
}

func (s *SQLiteStore) DeleteContext(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE session_id = ?`, sessionID)
	return errors.Wrapf(err, "delete context %s", sessionID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m         Message
		role      string
		tc        sql.NullInt64
		createdAt string
	)
	if err := r.Scan(&m.ID, &m.SessionID, &role, &m.Content, &tc, &m.ProviderID, &m.ModelID, &createdAt); err != nil {
		return nil, errors.Wrap(err, "scan message")
	}
	m.Role = Role(role)
	if tc.Valid {
		m.SetTokenCount(int(tc.Int64))
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &m, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
