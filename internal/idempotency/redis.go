// internal/idempotency/redis.go
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "ledger:idempotency:"

// RedisStore keeps records in Redis so every API instance shares them.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient connects to redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().Msg("Connected to Redis")
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) error {
	raw, err := json.Marshal(Record{Key: key, RequestHash: requestHash})
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyInUse
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, code int, body []byte, ttl time.Duration) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrKeyNotReserved
	}
	rec.Completed = true
	rec.ResponseCode = code
	rec.ResponseBody = body

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, redisKeyPrefix+key, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyNotReserved
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
