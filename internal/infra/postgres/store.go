package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"blindtest-service/internal/domain"
)

var sessionColumns = []string{
	"project_name", "max_teams", "live", "phase", "current_round_id", "current_question_id",
	"timer_active", "timer_remaining", "buzzer_locked", "buzzer_winner_id", "seq", "updated_at",
}

// Store persists sessions in Postgres through bun. Commit writes the state and its log
// entry in one transaction.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// OpenDB opens a bun handle over pgdriver.
func OpenDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	var rows sessionRows
	err := s.db.NewSelect().Model(&rows.session).Where("id = ?", sessionID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if err := s.db.NewSelect().Model(&rows.teams).Where("session_id = ?", sessionID).Order("position ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load teams: %w", err)
	}
	if err := s.db.NewSelect().Model(&rows.rounds).Where("session_id = ?", sessionID).Order("sort_order ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load rounds: %w", err)
	}
	if err := s.db.NewSelect().Model(&rows.questions).Where("session_id = ?", sessionID).Order("position ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	if err := s.db.NewSelect().Model(&rows.answers).Where("session_id = ?", sessionID).Order("submitted_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	if err := s.db.NewSelect().Model(&rows.jokers).Where("session_id = ?", sessionID).Order("used_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load jokers: %w", err)
	}
	return rows.toDomain(), nil
}

func (s *Store) Save(ctx context.Context, session *domain.Session) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return saveSession(ctx, tx, session)
	})
}

func (s *Store) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	return appendLog(ctx, s.db, entry)
}

func (s *Store) Commit(ctx context.Context, session *domain.Session, entry domain.LogEntry) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := saveSession(ctx, tx, session); err != nil {
			return err
		}
		return appendLog(ctx, tx, entry)
	})
}

// saveSession upserts the session row and rewrites its collections. Joker usages are
// immutable, so existing rows are kept.
func saveSession(ctx context.Context, db bun.IDB, session *domain.Session) error {
	rows := toRows(session)

	upsert := db.NewInsert().Model(&rows.session).On("CONFLICT (id) DO UPDATE")
	for _, col := range sessionColumns {
		upsert = upsert.Set("? = EXCLUDED.?", bun.Ident(col), bun.Ident(col))
	}
	if _, err := upsert.Exec(ctx); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, model := range []any{(*TeamRow)(nil), (*QuestionRow)(nil), (*RoundRow)(nil), (*AnswerRow)(nil)} {
		if _, err := db.NewDelete().Model(model).Where("session_id = ?", session.ID).Exec(ctx); err != nil {
			return fmt.Errorf("clear %T: %w", model, err)
		}
	}
	if len(rows.teams) > 0 {
		if _, err := db.NewInsert().Model(&rows.teams).Exec(ctx); err != nil {
			return fmt.Errorf("insert teams: %w", err)
		}
	}
	if len(rows.rounds) > 0 {
		if _, err := db.NewInsert().Model(&rows.rounds).Exec(ctx); err != nil {
			return fmt.Errorf("insert rounds: %w", err)
		}
	}
	if len(rows.questions) > 0 {
		if _, err := db.NewInsert().Model(&rows.questions).Exec(ctx); err != nil {
			return fmt.Errorf("insert questions: %w", err)
		}
	}
	if len(rows.answers) > 0 {
		if _, err := db.NewInsert().Model(&rows.answers).Exec(ctx); err != nil {
			return fmt.Errorf("insert answers: %w", err)
		}
	}
	if len(rows.jokers) > 0 {
		if _, err := db.NewInsert().Model(&rows.jokers).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("insert jokers: %w", err)
		}
	}
	return nil
}

func appendLog(ctx context.Context, db bun.IDB, entry domain.LogEntry) error {
	row := LogRow{
		SessionID:  entry.SessionID,
		Seq:        int64(entry.Seq),
		Command:    entry.Command,
		Actor:      entry.Actor,
		Events:     entry.Events,
		RecordedAt: entry.RecordedAt,
	}
	if _, err := db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("append log %s/%d: %w", entry.SessionID, entry.Seq, err)
	}
	return nil
}

// SessionIDs lists stored sessions, newest first.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.NewSelect().Model((*SessionRow)(nil)).Column("id").Order("created_at DESC").Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}
