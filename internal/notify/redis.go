package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "devicegate:events"

// RedisBridge relays change events between instances that share a Redis
// server. Local events are published to the bus and forwarded to Redis;
// events from other instances are replayed onto the local bus.
type RedisBridge struct {
	client   *redis.Client
	channel  string
	instance string
	bus      *Bus
	logger   *slog.Logger
}

// NewRedisBridge connects to the Redis server at redisURL and verifies the
// connection.
func NewRedisBridge(ctx context.Context, redisURL, channel string, bus *Bus, logger *slog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisBridge(client, channel, bus, logger), nil
}

func newRedisBridge(client *redis.Client, channel string, bus *Bus, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		client:   client,
		channel:  channel,
		instance: uuid.New().String(),
		bus:      bus,
		logger:   logger.With("component", "notify.redis"),
	}
}

// Instance returns the identifier stamped on events sent by this bridge.
func (r *RedisBridge) Instance() string { return r.instance }

// Publish delivers ev locally and forwards it to Redis. Forwarding failures
// are logged and otherwise ignored.
func (r *RedisBridge) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r.bus.Publish(ev)

	ev.Source = r.instance
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("redis publish failed", "error", err)
	}
}

// Run replays events from other instances onto the local bus until ctx is
// cancelled.
func (r *RedisBridge) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relaying events", "channel", r.channel, "instance", r.instance)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.relay(msg.Payload)
		}
	}
}

func (r *RedisBridge) relay(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Debug("ignoring malformed event", "error", err)
		return
	}
	if ev.Source == r.instance || ev.Table == "" {
		return
	}
	r.bus.Publish(ev)
}

// Close releases the Redis connection.
func (r *RedisBridge) Close() error {
	return r.client.Close()
}
