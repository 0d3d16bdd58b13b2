package openstack

import (
	"errors"
	"text/template"
	"time"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/infrastructure/internal"
	"github.com/gammadia/warden/internal/params"
)

type Config struct {
	infrastructure.Config

	Image          string
	Flavor         string
	Networks       []string
	SecurityGroups []string
	// Username is the account the node command is run as over SSH
	Username string
	// Command is run over SSH once the server is up, when set
	Command *template.Template

	// PollInterval paces the checks of a server that is still building
	PollInterval time.Duration
}

// ParseConfig reads the common parameters followed by
// [image, flavor, networks, security-groups, username, command].
func ParseConfig(p params.Params) (Config, error) {
	common, rest, err := infrastructure.ParseConfig(p)
	if err != nil {
		return Config{}, err
	}

	config := Config{
		Config:         common,
		Image:          rest.String(0, ""),
		Flavor:         rest.String(1, ""),
		Networks:       rest.List(2),
		SecurityGroups: rest.List(3),
		Username:       rest.String(4, "ubuntu"),
		PollInterval:   2 * time.Second,
	}
	if config.Image == "" {
		return config, errors.New("image is required")
	}
	if config.Flavor == "" {
		return config, errors.New("flavor is required")
	}

	if command := rest.String(5, ""); command != "" {
		if config.Command, err = internal.ParseCommand(command); err != nil {
			return config, err
		}
	}

	return config, nil
}
