package local

import (
	"errors"
	"text/template"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/infrastructure/internal"
	"github.com/gammadia/warden/internal/params"
)

type Config struct {
	infrastructure.Config

	// Image the node containers run
	Image string
	// Command overrides the command of the image when set
	Command *template.Template
	// Network the containers are attached to, the docker default when empty
	Network string
}

// ParseConfig reads the common parameters followed by
// [image, command, network].
func ParseConfig(p params.Params) (Config, error) {
	common, rest, err := infrastructure.ParseConfig(p)
	if err != nil {
		return Config{}, err
	}

	config := Config{
		Config:  common,
		Image:   rest.String(0, ""),
		Network: rest.String(2, ""),
	}
	if config.Image == "" {
		return config, errors.New("image is required")
	}

	if command := rest.String(1, ""); command != "" {
		if config.Command, err = internal.ParseCommand(command); err != nil {
			return config, err
		}
	}

	return config, nil
}
