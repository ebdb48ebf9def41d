package chatserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/macwilko/wikid-realtime/events"
	"github.com/redis/go-redis/v9"
)

// DefaultBroadcastChannel is the redis channel every process publishes to.
const DefaultBroadcastChannel = "realtime:broadcast"

type Scope string

const (
	ScopeRoom Scope = "room"
	ScopeUser Scope = "user"
	ScopeAll  Scope = "all"
)

// Target selects the local connections a delivery reaches.
type Target struct {
	Scope        Scope  `json:"scope" validate:"required,oneof=room user all"`
	Room         string `json:"room,omitempty" validate:"required_if=Scope room,lte=255"`
	UserID       string `json:"userId,omitempty" validate:"required_if=Scope user,lte=255"`
	ExceptUserID string `json:"exceptUserId,omitempty" validate:"lte=255"`
}

// Delivery is what travels between processes.
type Delivery struct {
	Origin   string          `json:"origin"`
	Target   Target          `json:"target"`
	Envelope events.Envelope `json:"envelope"`
}

// Adapter fans deliveries out to other server processes.
type Adapter interface {
	Publish(ctx context.Context, d Delivery) error

	// Subscribe blocks, handing every received delivery to handle, until ctx
	// is done or the subscription fails.
	Subscribe(ctx context.Context, handle func(Delivery)) error

	Close() error
}

type RedisAdapter struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisAdapter checks the connection before returning. On failure the
// error is an *events.AdapterUnavailableError and the caller is expected to
// run single-process.
func NewRedisAdapter(ctx context.Context, rdb *redis.Client, channel string, logger *slog.Logger) (*RedisAdapter, error) {
	if channel == "" {
		channel = DefaultBroadcastChannel
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, &events.AdapterUnavailableError{Adapter: "redis", Err: err}
	}

	return &RedisAdapter{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With(slog.String("component", "redis_adapter")),
	}, nil
}

func (a *RedisAdapter) Publish(ctx context.Context, d Delivery) error {
	marshalled, err := json.Marshal(d)

	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	if err := a.rdb.Publish(ctx, a.channel, marshalled).Err(); err != nil {
		return &events.AdapterUnavailableError{Adapter: "redis", Err: err}
	}

	return nil
}

func (a *RedisAdapter) Subscribe(ctx context.Context, handle func(Delivery)) error {
	ps := a.rdb.Subscribe(ctx, a.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return &events.AdapterUnavailableError{Adapter: "redis", Err: err}
	}

	a.logger.Info("🦄 Subscribed to broadcast channel", slog.String("channel", a.channel))

	ch := ps.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-ch:
			if !ok {
				return &events.AdapterUnavailableError{Adapter: "redis", Err: redis.ErrClosed}
			}

			var d Delivery

			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				a.logger.Warn("💀 Dropping undecodable delivery", slog.String("error", err.Error()))
				continue
			}

			handle(d)
		}
	}
}

func (a *RedisAdapter) Close() error {
	return nil
}
