package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// RedisConfig selects the snapshot store. An empty Addr means in-memory.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`
	Prefix   string `env:"REDIS_PREFIX, default=voice:snapshot:"`
}

func NewRedisConfigFromEnv() (*RedisConfig, error) {
	var cfg RedisConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RedisConfig) Enabled() bool { return c.Addr != "" }
