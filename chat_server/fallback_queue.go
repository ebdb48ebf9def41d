package chatserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/macwilko/wikid-realtime/events"
	"github.com/redis/go-redis/v9"
)

const DefaultQueueLimit = 500

// QueueStore holds the events waiting for an identity's next poll. Queues
// are bounded; the oldest events are dropped first.
type QueueStore interface {
	Push(ctx context.Context, userID string, env events.Envelope) error
	Drain(ctx context.Context, userID string) ([]events.Envelope, error)
	Clear(ctx context.Context, userID string) error
}

type MemoryQueue struct {
	mu     sync.Mutex
	limit  int
	queues map[string][]events.Envelope
}

func NewMemoryQueue(limit int) *MemoryQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}

	return &MemoryQueue{
		limit:  limit,
		queues: make(map[string][]events.Envelope),
	}
}

func (q *MemoryQueue) Push(_ context.Context, userID string, env events.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := append(q.queues[userID], env)

	if over := len(queue) - q.limit; over > 0 {
		queue = append([]events.Envelope(nil), queue[over:]...)
	}

	q.queues[userID] = queue

	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, userID string) ([]events.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[userID]
	delete(q.queues, userID)

	return queue, nil
}

func (q *MemoryQueue) Clear(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queues, userID)

	return nil
}

// RedisQueue keeps each identity's queue in a redis list so a poll can be
// served by whichever process holds the session.
type RedisQueue struct {
	rdb    *redis.Client
	limit  int64
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisQueue(rdb *redis.Client, limit int, ttl time.Duration, logger *slog.Logger) *RedisQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}

	return &RedisQueue{
		rdb:    rdb,
		limit:  int64(limit),
		ttl:    ttl,
		logger: logger.With(slog.String("component", "redis_queue")),
	}
}

func queueKey(userID string) string {
	return fmt.Sprintf("realtime-queue-%s", userID)
}

func (q *RedisQueue) Push(ctx context.Context, userID string, env events.Envelope) error {
	marshalled, err := json.Marshal(env)

	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := queueKey(userID)

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, marshalled)
		pipe.LTrim(ctx, key, -q.limit, -1)

		if q.ttl > 0 {
			pipe.Expire(ctx, key, q.ttl)
		}

		return nil
	})

	return err
}

func (q *RedisQueue) Drain(ctx context.Context, userID string) ([]events.Envelope, error) {
	key := queueKey(userID)

	var lrange *redis.StringSliceCmd

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)

		return nil
	})

	if err != nil {
		return nil, err
	}

	raw := lrange.Val()
	out := make([]events.Envelope, 0, len(raw))

	for _, item := range raw {
		env, err := events.Parse([]byte(item))

		if err != nil {
			q.logger.Warn("💀 Dropping undecodable queued event",
				slog.String("userID", userID),
				slog.String("error", err.Error()))

			continue
		}

		out = append(out, env)
	}

	return out, nil
}

func (q *RedisQueue) Clear(ctx context.Context, userID string) error {
	return q.rdb.Del(ctx, queueKey(userID)).Err()
}

// queueSink is the Sink of a fallback session.
type queueSink struct {
	store  QueueStore
	userID string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *queueSink) Deliver(env events.Envelope) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return false
	}

	if err := s.store.Push(context.Background(), s.userID, env); err != nil {
		s.logger.Error("💀 Couldn't queue event for polling",
			slog.String("userID", s.userID),
			slog.String("error", err.Error()))

		return false
	}

	return true
}

func (s *queueSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}
