package infrastructure

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gammadia/warden/internal/params"
)

// InfiniteAttempts makes deployments retry until they succeed or are cancelled.
const InfiniteAttempts = -1

// CommonParams is the number of positional parameters shared by every
// deploying infrastructure, see ParseConfig.
const CommonParams = 5

// Config holds the settings shared by every deploying infrastructure.
type Config struct {
	Logger        *slog.Logger  `json:"-"`
	Nodes         int           `json:"nodes"`
	DeployTimeout time.Duration `json:"deploy-timeout"`
	Attempts      int           `json:"attempts"`
	RetryDelay    time.Duration `json:"retry-delay"`
	Workers       int           `json:"workers"`
}

func DefaultConfig() Config {
	return Config{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Nodes:         1,
		DeployTimeout: 2 * time.Minute,
		Attempts:      5,
		RetryDelay:    5 * time.Second,
		Workers:       2,
	}
}

// ParseConfig reads the common positional parameters
// (nodes, deploy-timeout, attempts, retry-delay, workers) and returns the
// remaining, back-end specific ones.
func ParseConfig(p params.Params) (Config, params.Params, error) {
	config := DefaultConfig()

	var err error
	if config.Nodes, err = p.Int(0, config.Nodes); err != nil {
		return config, nil, err
	}
	if config.DeployTimeout, err = p.Duration(1, config.DeployTimeout); err != nil {
		return config, nil, err
	}
	if config.Attempts, err = p.Int(2, config.Attempts); err != nil {
		return config, nil, err
	}
	if config.RetryDelay, err = p.Duration(3, config.RetryDelay); err != nil {
		return config, nil, err
	}
	if config.Workers, err = p.Int(4, config.Workers); err != nil {
		return config, nil, err
	}

	return config, p.From(CommonParams), config.Validate()
}

func (c Config) Validate() error {
	if c.Nodes < 0 {
		return errors.New("nodes must not be negative")
	}
	if c.Workers < 1 {
		return errors.New("workers must be greater than 0")
	}
	if c.Attempts == 0 || c.Attempts < InfiniteAttempts {
		return fmt.Errorf("attempts must be positive or %d for infinite retries", InfiniteAttempts)
	}
	if c.DeployTimeout <= 0 {
		return errors.New("deploy-timeout must be greater than 0")
	}
	if c.RetryDelay < 0 {
		return errors.New("retry-delay must not be negative")
	}
	return nil
}

func (c Config) String() string {
	attempts := fmt.Sprint(c.Attempts)
	if c.Attempts == InfiniteAttempts {
		attempts = "infinite"
	}
	return fmt.Sprintf("nodes=%d timeout=%s attempts=%s delay=%s workers=%d", c.Nodes, c.DeployTimeout, attempts, c.RetryDelay, c.Workers)
}
