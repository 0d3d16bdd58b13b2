package ssh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/infrastructure/internal"
	"github.com/gammadia/warden/internal/params"
)

// Host is a machine nodes are started on, with the number of nodes it may run.
type Host struct {
	Address  string
	Capacity int
}

func (h Host) String() string {
	return fmt.Sprintf("%s=%d", h.Address, h.Capacity)
}

type Config struct {
	infrastructure.Config

	Hosts []Host
	// Command starts one node, it is run in the background on the host
	Command *template.Template
	User    string
	// KeyFile is the private key used to authenticate
	KeyFile string
}

// ParseConfig reads the common parameters followed by
// [hosts, command, user, key-file]. Hosts are a comma separated list of
// address[=capacity], the capacity defaulting to 1.
func ParseConfig(p params.Params) (Config, error) {
	common, rest, err := infrastructure.ParseConfig(p)
	if err != nil {
		return Config{}, err
	}

	config := Config{
		Config:  common,
		User:    rest.String(2, defaultUser()),
		KeyFile: rest.String(3, defaultKeyFile()),
	}

	if config.Hosts, err = parseHosts(rest.List(0)); err != nil {
		return config, err
	}

	command := rest.String(1, "")
	if command == "" {
		return config, errors.New("command is required")
	}
	if config.Command, err = internal.ParseCommand(command); err != nil {
		return config, err
	}

	return config, nil
}

func parseHosts(items []string) ([]Host, error) {
	if len(items) == 0 {
		return nil, errors.New("at least one host is required")
	}

	hosts := make([]Host, 0, len(items))
	seen := map[string]bool{}
	for _, item := range items {
		address, capacity, found := strings.Cut(item, "=")
		host := Host{Address: strings.TrimSpace(address), Capacity: 1}
		if found {
			n, err := strconv.Atoi(strings.TrimSpace(capacity))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid capacity '%s' for host '%s'", capacity, host.Address)
			}
			host.Capacity = n
		}
		if host.Address == "" {
			return nil, fmt.Errorf("invalid host '%s'", item)
		}
		if seen[host.Address] {
			return nil, fmt.Errorf("host '%s' is listed twice", host.Address)
		}
		seen[host.Address] = true
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func defaultUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "id_ed25519")
}
