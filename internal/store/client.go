package store

import (
	"context"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient creates the client shared by the hot store and the stream sink.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
