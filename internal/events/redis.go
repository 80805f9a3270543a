package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Topics names the two logical channels events are published on.
type Topics struct {
	// Price carries price ticks only.
	Price string
	// Combined carries price ticks and alert firings.
	Combined string
}

// RedisPublisher publishes events over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
	topics Topics
	logger zerolog.Logger
}

// NewRedisPublisher constructs a publisher on the given client.
func NewRedisPublisher(client *redis.Client, topics Topics, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		topics: topics,
		logger: logger.With().Str("component", "redis_publisher").Logger(),
	}
}

// Publish sends a price tick to both topics and an alert to the combined topic only.
// Both publishes of a tick go out in one pipeline round trip, price topic first.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}

	switch ev.Kind() {
	case KindPrice:
		pipe := p.client.Pipeline()
		pipe.Publish(ctx, p.topics.Price, payload)
		pipe.Publish(ctx, p.topics.Combined, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("publish price event: %w", err)
		}
	case KindAlert:
		if err := p.client.Publish(ctx, p.topics.Combined, payload).Err(); err != nil {
			return fmt.Errorf("publish alert event: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind())
	}

	p.logger.Debug().Str("type", string(ev.Kind())).Msg("event published")
	return nil
}

var _ Publisher = (*RedisPublisher)(nil)
