// Package logtail caches the latest log tail of running builds in Redis.
package logtail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrNotFound = errors.New("logtail not found")

const defaultTTL = 24 * time.Hour

type Config struct {
	Addr     string `env:"ADDR,required"` // e.g. redis:6379
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
}

// NewClient connects to Redis and checks that it answers.
func NewClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("logtail: %w", err)
	}
	return client, nil
}

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client, ttl: defaultTTL}
}

func key(cookie string) string {
	return "logtail:" + cookie
}

// Set replaces the tail of the build with cookie. Tails of builds nobody
// reports on anymore expire after a day.
func (c *Cache) Set(ctx context.Context, cookie string, tail string) error {
	if err := c.client.Set(ctx, key(cookie), tail, c.ttl).Err(); err != nil {
		return fmt.Errorf("logtail.Cache: %w", err)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, cookie string) (string, error) {
	tail, err := c.client.Get(ctx, key(cookie)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("logtail.Cache: %w", ErrNotFound)
	} else if err != nil {
		return "", fmt.Errorf("logtail.Cache: %w", err)
	}
	return tail, nil
}
