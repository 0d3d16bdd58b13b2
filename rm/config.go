package rm

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/policy"
)

type Config struct {
	Logger          *slog.Logger             `json:"-"`
	Infrastructures *infrastructure.Registry `json:"-"`
	Policies        *policy.Registry         `json:"-"`
	// Store persists recoverable node sources, nil disables persistence.
	Store Store `json:"-"`

	// PingFrequency is the default health check interval of node sources.
	PingFrequency time.Duration `json:"ping-frequency"`
	PingTimeout   time.Duration `json:"ping-timeout"`
	// PingConcurrency bounds the pings in flight for one node source.
	PingConcurrency int `json:"ping-concurrency"`

	// ClientTimeout is how long a silent client keeps its nodes, 0 disables
	// crash detection.
	ClientTimeout       time.Duration `json:"client-timeout"`
	ClientPingFrequency time.Duration `json:"client-ping-frequency"`

	// MaxNodes limits the number of registered nodes, 0 means unlimited.
	MaxNodes       int           `json:"max-nodes"`
	ReleaseTimeout time.Duration `json:"release-timeout"`
	ReleaseWorkers int           `json:"release-workers"`
}

func DefaultConfig() Config {
	return Config{
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Infrastructures:     infrastructure.NewRegistry(),
		Policies:            policy.NewRegistry(),
		PingFrequency:       45 * time.Second,
		PingTimeout:         10 * time.Second,
		PingConcurrency:     16,
		ClientTimeout:       2 * time.Minute,
		ClientPingFrequency: 30 * time.Second,
		MaxNodes:            0,
		ReleaseTimeout:      time.Minute,
		ReleaseWorkers:      4,
	}
}

func Validate(config Config) error {
	if config.Infrastructures == nil {
		return errors.New("infrastructures registry is required")
	}
	if config.Policies == nil {
		return errors.New("policies registry is required")
	}
	if config.PingFrequency <= 0 {
		return errors.New("ping-frequency must be greater than 0")
	}
	if config.PingTimeout <= 0 {
		return errors.New("ping-timeout must be greater than 0")
	}
	if config.PingConcurrency < 1 {
		return errors.New("ping-concurrency must be greater than 0")
	}
	if config.ClientTimeout < 0 {
		return errors.New("client-timeout must not be negative")
	}
	if config.ClientTimeout > 0 && config.ClientPingFrequency <= 0 {
		return errors.New("client-ping-frequency must be greater than 0")
	}
	if config.MaxNodes < 0 {
		return errors.New("max-nodes must not be negative")
	}
	if config.ReleaseWorkers < 1 {
		return errors.New("release-workers must be greater than 0")
	}
	return nil
}
