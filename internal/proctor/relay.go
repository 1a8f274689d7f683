package proctor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Relay carries hub events between server instances.
type Relay interface {
	Publish(ctx context.Context, ev ws.OutboundEvent) error
}

type relayEnvelope struct {
	Origin string           `json:"origin"`
	Event  ws.OutboundEvent `json:"event"`
}

// RedisRelay relays events over Redis Pub/Sub, one channel per session.
// Each instance ignores its own messages since it already delivered them locally.
type RedisRelay struct {
	rdb    *redis.Client
	origin string
	log    zerolog.Logger
}

// NewRedisRelay creates a RedisRelay with a random instance id.
func NewRedisRelay(rdb *redis.Client, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:    rdb,
		origin: uuid.NewString(),
		log:    log.With().Str("component", "proctor_relay").Logger(),
	}
}

// Publish sends ev to the session channel.
func (r *RedisRelay) Publish(ctx context.Context, ev ws.OutboundEvent) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: ev})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, config.CacheKey.SessionChannel(ev.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish to relay: %w", err)
	}
	return nil
}

// Run listens on every session channel and hands remote events to the hub
// until ctx is cancelled. Call in a goroutine.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) {
	pubsub := r.rdb.PSubscribe(ctx, config.CacheKey.SessionChannelPattern())
	defer pubsub.Close()

	r.log.Info().Msg("Relay listening")
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Relay stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Error().Err(err).Str("channel", msg.Channel).Msg("Discarding malformed relay message")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			hub.Deliver(env.Event)
		}
	}
}
