package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"blindtest-service/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_log (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	command TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	events_json TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);`

// Store keeps each session as one JSON document plus an append-only log. It suits a
// single-instance deployment without Postgres.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store and creates its tables. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; also keeps a ":memory:" database on a single connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	var raw string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *Store) Save(ctx context.Context, session *domain.Session) error {
	return saveSession(ctx, s.sqlDB, session)
}

func (s *Store) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	return appendLog(ctx, s.sqlDB, entry)
}

// Commit writes the state and its log entry in one transaction.
func (s *Store) Commit(ctx context.Context, session *domain.Session, entry domain.LogEntry) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveSession(ctx, tx, session); err != nil {
		return err
	}
	if err := appendLog(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func saveSession(ctx context.Context, db execer, session *domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO sessions (id, seq, state_json, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, state_json = excluded.state_json, updated_at = excluded.updated_at
`, session.ID, int64(session.Seq), string(raw), session.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

func appendLog(ctx context.Context, db execer, entry domain.LogEntry) error {
	raw, err := json.Marshal(entry.Events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO session_log (session_id, seq, command, actor, events_json, recorded_at) VALUES (?, ?, ?, ?, ?, ?)
`, entry.SessionID, int64(entry.Seq), entry.Command, entry.Actor, string(raw), entry.RecordedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("append log %s/%d: %w", entry.SessionID, entry.Seq, err)
	}
	return nil
}

// Log returns the entries of a session with seq greater than afterSeq, in seq order.
func (s *Store) Log(ctx context.Context, sessionID string, afterSeq uint64) ([]domain.LogEntry, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, command, actor, events_json, recorded_at FROM session_log
WHERE session_id = ? AND seq > ? ORDER BY seq
`, sessionID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []domain.LogEntry
	for rows.Next() {
		var (
			seq, recordedAt int64
			entry           = domain.LogEntry{SessionID: sessionID}
			raw             string
		)
		if err := rows.Scan(&seq, &entry.Command, &entry.Actor, &raw, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Seq = uint64(seq)
		entry.RecordedAt = time.UnixMilli(recordedAt).UTC()
		if err := json.Unmarshal([]byte(raw), &entry.Events); err != nil {
			return nil, fmt.Errorf("decode events of seq %d: %w", seq, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
