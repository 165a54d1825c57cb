package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR, default=:9090"`
}

type RetentionConfig struct {
	Retention time.Duration `env:"ARTIFACT_RETENTION, default=24h"`
	Interval  time.Duration `env:"ARTIFACT_CLEAN_INTERVAL, default=10m"`
	MaxFiles  int           `env:"ARTIFACT_MAX_FILES, default=500"`
}

type NotifyConfig struct {
	Timeout     time.Duration `env:"NOTIFY_TIMEOUT, default=5s"`
	MaxElapsed  time.Duration `env:"NOTIFY_MAX_ELAPSED, default=1m"`
	MaxInterval time.Duration `env:"NOTIFY_MAX_INTERVAL, default=10s"`
}

// ServiceConfig groups the settings of the surrounding service.
type ServiceConfig struct {
	Metrics   MetricsConfig
	Retention RetentionConfig
	Notify    NotifyConfig
}

func NewServiceConfigFromEnv() (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
