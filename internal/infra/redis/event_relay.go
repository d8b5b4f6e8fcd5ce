package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"blindtest-service/internal/domain"
)

// EventRelay republishes committed session events on Redis pub/sub so other
// instances and tools can follow a session they do not own.
type EventRelay struct {
	client *redis.Client
}

func NewEventRelay(client *redis.Client) *EventRelay {
	return &EventRelay{client: client}
}

// Publish implements app.EventSink.
func (r *EventRelay) Publish(ctx context.Context, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	return r.client.Publish(ctx, eventsChannel(ev.SessionID), raw).Err()
}

// Follow streams the relayed events of one session until ctx ends. Messages that do
// not decode are skipped.
func (r *EventRelay) Follow(ctx context.Context, sessionID string) (<-chan domain.Event, error) {
	ps := r.client.Subscribe(ctx, eventsChannel(sessionID))
	// Wait for the confirmation so no event published after Follow returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	out := make(chan domain.Event)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func eventsChannel(sessionID string) string {
	return "blindtest:session:" + sessionID + ":events"
}
