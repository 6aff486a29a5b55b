package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "persona-chat:session:"

// RedisSessionRepository stores sessions as JSON documents with an expiry, so
// several server processes can share participants.
type RedisSessionRepository struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewRedisSessionRepository(addr string, ttl time.Duration) (*RedisSessionRepository, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSessionRepository{rdb: rdb, ttl: ttl}, nil
}

func (r *RedisSessionRepository) Close() error {
	return r.rdb.Close()
}

func (r *RedisSessionRepository) Load(ctx context.Context, key string) (*Session, error) {
	raw, err := r.rdb.Get(ctx, sessionKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisSessionRepository) Save(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, sessionKeyPrefix+s.Key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, sessionKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
