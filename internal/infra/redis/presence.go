package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence marks which sessions are live on some instance. Each marker expires after
// ttl unless refreshed, so a crashed instance stops advertising its sessions.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	return &Presence{client: client, ttl: ttl}
}

// Refresh sets or extends the marker of every given session in one round trip.
func (p *Presence) Refresh(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, id := range sessionIDs {
		pipe.Set(ctx, liveKey(id), "1", p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// Clear removes the marker of a session that went offline.
func (p *Presence) Clear(ctx context.Context, sessionID string) error {
	return p.client.Del(ctx, liveKey(sessionID)).Err()
}

func (p *Presence) IsLive(ctx context.Context, sessionID string) (bool, error) {
	n, err := p.client.Exists(ctx, liveKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Live lists every session advertised by any instance.
func (p *Presence) Live(ctx context.Context) ([]string, error) {
	var ids []string
	iter := p.client.Scan(ctx, 0, liveKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(key, "blindtest:session:"), ":live"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	return ids, nil
}

func liveKey(sessionID string) string {
	return "blindtest:session:" + sessionID + ":live"
}
