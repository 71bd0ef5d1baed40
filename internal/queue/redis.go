package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures a Redis-backed queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// Poll bounds each blocking pop so cancellation is noticed.
	Poll time.Duration
}

// Redis is a queue shared by several processes. Tasks wait in a pending
// list and are moved atomically to a processing list while a worker runs
// them; Ack removes them from there. Recover moves leftovers of crashed
// workers back to pending.
type Redis struct {
	client *redis.Client
	key    string
	poll   time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return newRedis(client, cfg), nil
}

func newRedis(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.Key == "" {
		cfg.Key = "geoimport:tasks"
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	return &Redis{client: client, key: cfg.Key, poll: cfg.Poll}
}

func (q *Redis) pendingKey() string    { return q.key + ":pending" }
func (q *Redis) processingKey() string { return q.key + ":processing" }

func (q *Redis) Enqueue(ctx context.Context, t Task) error {
	raw, err := encodeTask(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.pendingKey(), raw).Err()
}

func (q *Redis) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		raw, err := q.client.BRPopLPush(ctx, q.pendingKey(), q.processingKey(), q.poll).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Delivery{}, ErrClosed
			}
			return Delivery{}, fmt.Errorf("dequeue: %w", err)
		}
		t, err := decodeTask(raw)
		if err != nil {
			// drop poison messages rather than redelivering them forever
			q.client.LRem(ctx, q.processingKey(), 1, raw)
			return Delivery{}, err
		}
		return Delivery{Task: t, raw: raw}, nil
	}
}

func (q *Redis) Ack(ctx context.Context, d Delivery) error {
	return q.client.LRem(ctx, q.processingKey(), 1, d.raw).Err()
}

func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey()).Result()
}

// Recover requeues tasks left in the processing list. Call it once at
// startup, before any worker of this queue runs.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processingKey(), q.pendingKey()).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *Redis) Close() error {
	return q.client.Close()
}
