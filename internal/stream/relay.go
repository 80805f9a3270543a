package stream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"coinwatch/internal/events"
)

// Relay forwards payloads from a Redis pub/sub topic into a Hub.
type Relay struct {
	client *redis.Client
	topic  string
	hub    *Hub
	logger zerolog.Logger
}

// NewRelay constructs a relay of topic into hub.
func NewRelay(client *redis.Client, topic string, hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{
		client: client,
		topic:  topic,
		hub:    hub,
		logger: logger.With().Str("component", "stream_relay").Str("topic", topic).Logger(),
	}
}

// Run subscribes and relays until ctx is cancelled or the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.topic)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	r.logger.Info().Msg("relay subscribed")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription %s closed", r.topic)
			}
			payload := []byte(msg.Payload)
			if !validPayload(payload) {
				r.logger.Warn().Str("payload", truncate(msg.Payload, 256)).Msg("dropping malformed event")
				continue
			}
			r.hub.BroadcastRaw(payload)
		}
	}
}

func validPayload(payload []byte) bool {
	if !gjson.ValidBytes(payload) {
		return false
	}
	switch events.Kind(gjson.GetBytes(payload, "type").String()) {
	case events.KindPrice, events.KindAlert:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
