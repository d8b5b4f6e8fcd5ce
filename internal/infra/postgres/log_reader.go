package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"blindtest-service/internal/domain"
)

// LogReader reads the audit log over a raw pgx pool, bypassing the ORM.
type LogReader struct {
	pool *pgxpool.Pool
}

func NewLogReader(pool *pgxpool.Pool) *LogReader {
	return &LogReader{pool: pool}
}

// Log returns the entries of a session with seq greater than afterSeq, in seq order.
func (r *LogReader) Log(ctx context.Context, sessionID string, afterSeq uint64) ([]domain.LogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT seq, command, actor, events, recorded_at FROM session_log WHERE session_id=$1 AND seq>$2 ORDER BY seq`,
		sessionID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []domain.LogEntry
	for rows.Next() {
		var (
			seq        int64
			command    string
			actor      *string
			raw        []byte
			recordedAt time.Time
		)
		if err := rows.Scan(&seq, &command, &actor, &raw, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry := domain.LogEntry{SessionID: sessionID, Seq: uint64(seq), Command: command, RecordedAt: recordedAt}
		if actor != nil {
			entry.Actor = *actor
		}
		if err := json.Unmarshal(raw, &entry.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events of seq %d: %w", seq, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
