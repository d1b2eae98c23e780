package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// ErrRedisDisabled signals that no Redis URL was configured. Callers treat
// Redis as optional and fall back to in-process fan-out without a cache.
var ErrRedisDisabled = errors.New("redis disabled")

// ConnectRedis parses a redis:// URL (or a bare host:port) and verifies the
// connection with a bounded ping.
func ConnectRedis(rawURL string) (*redis.Client, error) {
	options, err := RedisOptions(rawURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", options.Addr, err)
	}

	return client, nil
}

// RedisOptions resolves connection options for the marking cache and
// realtime channel.
func RedisOptions(rawURL string) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrRedisDisabled
	}

	if !strings.Contains(rawURL, "://") {
		return &redis.Options{Addr: rawURL, ClientName: "gema-marking"}, nil
	}

	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if options.ClientName == "" {
		options.ClientName = "gema-marking"
	}
	return options, nil
}
