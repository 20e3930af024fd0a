package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisOpTimeout bounds each synchronous backend call
const redisOpTimeout = 2 * time.Second

// RedisBackend stores state as plain string keys under a prefix, so several
// processes can share one client identity. Every write is announced on the
// "<prefix>changes" channel for Watch.
type RedisBackend struct {
	client *redis.Client
	prefix string
	origin string // identifies this process in change announcements
}

// NewRedisBackend connects to addr and verifies the connection with a ping
func NewRedisBackend(addr, password, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return NewRedisBackendFromClient(client, prefix), nil
}

// NewRedisBackendFromClient wraps an existing client
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: prefix,
		origin: uuid.NewString(),
	}
}

func (r *RedisBackend) key(k string) string {
	return r.prefix + k
}

func (r *RedisBackend) channel() string {
	return r.prefix + "changes"
}

func (r *RedisBackend) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisBackend) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	r.announce(ctx, key)
	return nil
}

func (r *RedisBackend) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	for _, k := range keys {
		r.announce(ctx, k)
	}
	return nil
}

// announce is best-effort; a lost notification only delays other processes' view
func (r *RedisBackend) announce(ctx context.Context, key string) {
	r.client.Publish(ctx, r.channel(), r.origin+" "+key)
}

// Watch subscribes to change announcements from other processes
func (r *RedisBackend) Watch(ctx context.Context, onChange func(key string)) error {
	sub := r.client.Subscribe(ctx, r.channel())
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting readiness
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			origin, key, found := strings.Cut(msg.Payload, " ")
			if !found || origin == r.origin {
				continue
			}
			onChange(key)
		}
	}
}

// Close releases the redis connection
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
