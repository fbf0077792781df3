package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long an unread ticket is kept.
const DefaultTTL = 10 * time.Minute

// RedisConfig addresses the ticket store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis stores outcomes under ticket:<id> and announces them on the
// tickets:<id> channel.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedis wraps client. A non-positive ttl uses DefaultTTL.
func NewRedis(client redis.UniversalClient, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func ticketKey(id string) string {
	return "ticket:" + id
}

func ticketChannel(id string) string {
	return "tickets:" + id
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, outcome Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode ticket %s: %w", outcome.CorrelationID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ticketKey(outcome.CorrelationID), payload, r.ttl)
		pipe.Publish(ctx, ticketChannel(outcome.CorrelationID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish ticket %s: %w", outcome.CorrelationID, err)
	}
	return nil
}

// Get reads a stored outcome.
func (r *Redis) Get(ctx context.Context, id string) (Outcome, error) {
	payload, err := r.client.Get(ctx, ticketKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Outcome{}, ErrTicketNotFound
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("get ticket %s: %w", id, err)
	}
	var outcome Outcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return Outcome{}, fmt.Errorf("decode ticket %s: %w", id, err)
	}
	return outcome, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
