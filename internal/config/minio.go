package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// MinioConfig enables artifact upload when Endpoint is set.
type MinioConfig struct {
	Endpoint string `env:"MINIO_ENDPOINT"`
	Username string `env:"MINIO_USER"`
	Password string `env:"MINIO_PASSWORD"`
	Bucket   string `env:"MINIO_BUCKET, default=voice-segments"`
	Secure   bool   `env:"MINIO_SECURE, default=false"`
}

func NewMinioConfigFromEnv() (*MinioConfig, error) {
	var cfg MinioConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Endpoint != "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, fmt.Errorf("MINIO_USER and MINIO_PASSWORD are required when MINIO_ENDPOINT is set")
	}
	return &cfg, nil
}

func (c *MinioConfig) Enabled() bool { return c.Endpoint != "" }
