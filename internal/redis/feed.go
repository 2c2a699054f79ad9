package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChangeEvent is what gets fanned out to live query subscribers whenever a
// capacity or request document changes.
type ChangeEvent struct {
	Topic      string    `json:"topic"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"` // created, updated, booked, rejected, cancelled
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher is the write side of the change feed.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Feed fans document change events out over Redis pub/sub. Each Subscribe
// call owns its pub/sub connection; the returned cancel func releases it, so
// a subscription lives exactly as long as its caller wants it to.
type Feed struct {
	client *redis.Client
}

func NewFeed(client *redis.Client) *Feed {
	return &Feed{client: client}
}

func CapacityTopic(trainerID string) string {
	return fmt.Sprintf("feed:capacity:%s", trainerID)
}

func RequestTopic(trainerID string) string {
	return fmt.Sprintf("feed:request:%s", trainerID)
}

func (f *Feed) Publish(ctx context.Context, ev ChangeEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	if err := f.client.Publish(ctx, ev.Topic, data).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}

	return nil
}

// Subscribe returns a channel of change events for one topic plus a cancel
// func. The channel is closed after cancel or when ctx ends; dropping the
// cancel call leaks the pub/sub connection.
func (f *Feed) Subscribe(ctx context.Context, topic string) (<-chan ChangeEvent, func(), error) {
	sub := f.client.Subscribe(ctx, topic)

	// Force the subscription to be established before handing it out.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan ChangeEvent, 16)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("drop malformed change event on %s: %v", topic, err)
					continue
				}
				select {
				case out <- ev:
				default:
					// Slow subscriber: drop rather than block the feed.
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	return out, cancel, nil
}
