package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// VoiceConfig tunes the voice connection engine.
type VoiceConfig struct {
	UDPPortMin       int           `env:"UDP_PORT_MIN, default=12346"`
	UDPPortMax       int           `env:"UDP_PORT_MAX, default=65535"`
	AddressDiscovery string        `env:"VOICE_ADDRESS_DISCOVERY, default=udp"`
	PublicAddressURL string        `env:"VOICE_PUBLIC_ADDRESS_URL, default=https://ipv4.icanhazip.com/"`
	GatewayVersion   int           `env:"VOICE_GATEWAY_VERSION, default=4"`
	LookAhead        time.Duration `env:"VOICE_LOOKAHEAD, default=1s"`
	PauseThreshold   time.Duration `env:"VOICE_PAUSE_THRESHOLD, default=1s"`
	IdleTimeout      time.Duration `env:"VOICE_IDLE_TIMEOUT, default=1s"`
	ReconnectDelay   time.Duration `env:"VOICE_RECONNECT_DELAY, default=2s"`
	MaxRetries       int           `env:"VOICE_MAX_RETRIES, default=5"`
	RecordingDir     string        `env:"VOICE_RECORDING_DIR, default=/tmp/voice-bridge"`
	CallbackURL      string        `env:"VOICE_CALLBACK_URL"`
}

func NewVoiceConfigFromEnv() (*VoiceConfig, error) {
	return newVoiceConfig(context.Background(), envconfig.OsLookuper())
}

func newVoiceConfig(ctx context.Context, l envconfig.Lookuper) (*VoiceConfig, error) {
	var cfg VoiceConfig
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *VoiceConfig) Validate() error {
	if c.UDPPortMin < 1 || c.UDPPortMax > 65535 || c.UDPPortMin > c.UDPPortMax {
		return fmt.Errorf("invalid UDP port range %d-%d", c.UDPPortMin, c.UDPPortMax)
	}
	switch c.AddressDiscovery {
	case "udp", "http":
	default:
		return fmt.Errorf("VOICE_ADDRESS_DISCOVERY must be udp or http, got %q", c.AddressDiscovery)
	}
	if c.LookAhead <= 0 || c.PauseThreshold <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("look-ahead, pause threshold and idle timeout must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("VOICE_MAX_RETRIES must be at least 1")
	}
	return nil
}
