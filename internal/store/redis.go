package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements KV with one Redis hash per namespace.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis. Each namespace becomes one hash under prefix.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// hash names the Redis hash holding a namespace, e.g. "litime:settings".
func (s *RedisStore) hash(namespace string) string {
	if s.prefix == "" {
		return namespace
	}
	return s.prefix + ":" + namespace
}

func (s *RedisStore) Get(namespace, key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.client.HGet(ctx, s.hash(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	return val, err
}

func (s *RedisStore) Set(namespace, key, value string) error {
	return s.SetMany(namespace, map[string]string{key: value})
}

func (s *RedisStore) SetMany(namespace string, values map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := s.client.TxPipeline()
	for k, v := range values {
		pipe.HSet(ctx, s.hash(namespace), k, v)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Clear(namespace string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Del(ctx, s.hash(namespace)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
