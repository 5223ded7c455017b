// Package karma emits reputation award signals for the external reputation
// collaborator. This core only announces "N addresses added by user X";
// point arithmetic happens elsewhere.
package karma

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel award events are published to.
const Channel = "karma.awards"

// AwardEvent announces addresses successfully added by a user.
type AwardEvent struct {
	UserID       uuid.UUID `json:"user_id"`
	RepositoryID uuid.UUID `json:"repository_id"`
	EmailsAdded  int       `json:"emails_added"`
	Source       string    `json:"source"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Emitter publishes award events.
type Emitter interface {
	Emit(ctx context.Context, ev AwardEvent) error
}

// RedisEmitter publishes events to the karma channel.
type RedisEmitter struct {
	client *redis.Client
}

// NewRedisEmitter creates a Redis-backed emitter.
func NewRedisEmitter(client *redis.Client) *RedisEmitter {
	return &RedisEmitter{client: client}
}

// Emit publishes the event as JSON. Zero-award events are dropped.
func (e *RedisEmitter) Emit(ctx context.Context, ev AwardEvent) error {
	if ev.EmailsAdded <= 0 {
		return nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := e.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return err
	}
	log.Printf("karma: awarded %d to %s (repo %s)", ev.EmailsAdded, ev.UserID, ev.RepositoryID)
	return nil
}

// NopEmitter drops all events; used when Redis is not configured.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(context.Context, AwardEvent) error { return nil }
