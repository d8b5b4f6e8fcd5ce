package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"blindtest-service/internal/app"
	"blindtest-service/internal/domain"
)

// SnapshotCache puts a Redis read-through cache in front of another app.Persistence.
// Snapshots are stored as JSON under blindtest:session:{id}:snapshot. Writes go to the
// backing store first; the cache is only refreshed once the store has accepted them.
type SnapshotCache struct {
	client *redis.Client
	next   app.Persistence
	ttl    time.Duration
	logger *slog.Logger
	sf     singleflight.Group
}

func NewSnapshotCache(client *redis.Client, next app.Persistence, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotCache{client: client, next: next, ttl: ttl, logger: logger}
}

func (c *SnapshotCache) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	if s, ok := c.cached(ctx, sessionID); ok {
		return s, nil
	}

	result, err, _ := c.sf.Do(sessionID, func() (any, error) {
		// Re-check in case another caller filled it.
		if s, ok := c.cached(ctx, sessionID); ok {
			return s, nil
		}
		s, err := c.next.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		c.store(ctx, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.Session).Clone(), nil
}

func (c *SnapshotCache) Save(ctx context.Context, session *domain.Session) error {
	if err := c.next.Save(ctx, session); err != nil {
		return err
	}
	c.store(ctx, session)
	return nil
}

func (c *SnapshotCache) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	return c.next.AppendLog(ctx, entry)
}

// Commit keeps the backing store's atomic write when it has one.
func (c *SnapshotCache) Commit(ctx context.Context, session *domain.Session, entry domain.LogEntry) error {
	if tx, ok := c.next.(app.Committer); ok {
		if err := tx.Commit(ctx, session, entry); err != nil {
			return err
		}
	} else {
		if err := c.next.Save(ctx, session); err != nil {
			return err
		}
		if err := c.next.AppendLog(ctx, entry); err != nil {
			return err
		}
	}
	c.store(ctx, session)
	return nil
}

func (c *SnapshotCache) cached(ctx context.Context, sessionID string) (*domain.Session, bool) {
	raw, err := c.client.Get(ctx, snapshotKey(sessionID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("snapshot cache read failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
		return nil, false
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn("snapshot cache entry corrupt", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return nil, false
	}
	return &s, true
}

// store refreshes the cached copy. A failed refresh drops the key so readers fall
// back to the backing store instead of a stale snapshot.
func (c *SnapshotCache) store(ctx context.Context, s *domain.Session) {
	key := snapshotKey(s.ID)
	raw, err := json.Marshal(s)
	if err == nil {
		err = c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err()
	}
	if err != nil {
		c.logger.Warn("snapshot cache write failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		_ = c.client.Del(ctx, key).Err()
	}
}

// Invalidate removes a cached snapshot.
func (c *SnapshotCache) Invalidate(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, snapshotKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot %s: %w", sessionID, err)
	}
	return nil
}

func (c *SnapshotCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(rand.Int63n(jitterMax+1))
}

func snapshotKey(sessionID string) string {
	return "blindtest:session:" + sessionID + ":snapshot"
}
