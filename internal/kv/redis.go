package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RedisStore keeps values as strings and logs as lists.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects and pings with a short timeout.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "opwarden:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv: redis ping %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, prefix: opts.Prefix}, nil
}

func (s *RedisStore) valueKey(key string) string { return s.prefix + "v:" + key }
func (s *RedisStore) logKey(key string) string   { return s.prefix + "l:" + key }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.valueKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("kv: redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, logKey string, line []byte) error {
	if err := ValidateKey(logKey); err != nil {
		return err
	}
	if err := validateLine(line); err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.logKey(logKey), line).Err(); err != nil {
		return fmt.Errorf("kv: redis append %s: %w", logKey, err)
	}
	return nil
}

func (s *RedisStore) ReadLines(ctx context.Context, logKey string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, s.logKey(logKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: redis read %s: %w", logKey, err)
	}
	lines := make([][]byte, len(vals))
	for i, v := range vals {
		lines[i] = []byte(v)
	}
	return lines, nil
}

func (s *RedisStore) DropLog(ctx context.Context, logKey string) error {
	if err := validateDrop(logKey); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.logKey(logKey)).Err(); err != nil {
		return fmt.Errorf("kv: redis drop %s: %w", logKey, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
