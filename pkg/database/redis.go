package database

import (
	"context"

	"treefuzz/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RedisParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRedisClient returns nil when no redis is configured.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	if p.Config.RedisUrl == "" {
		return nil, nil
	}
	client, err := newRedisClient(p.Config.RedisUrl)
	if err != nil {
		p.Logger.Error("Failed to create Redis client", zap.Error(err))
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	p.Logger.Debug("Redis client created successfully")
	return client, nil
}

func newRedisClient(redisUrl string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}
