// Package ssh starts nodes as background processes on a fixed list of hosts
// reached over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/avast/retry-go/v4"
	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/infrastructure/internal"
	"github.com/gammadia/warden/internal/params"
	"github.com/gammadia/warden/namegen"
	"github.com/samber/lo"
)

const Kind = "ssh"

var ErrNoCapacity = errors.New("every host runs at capacity")

type SSH struct {
	*internal.Deployer
	hosts  *hosts
	runner Runner
}

// SSH implements infrastructure.Infrastructure
var _ infrastructure.Infrastructure = (*SSH)(nil)

func Factory(p params.Params, logger *slog.Logger) (infrastructure.Infrastructure, error) {
	config, err := ParseConfig(p)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		config.Logger = logger
	}

	runner, err := NewRunner(config.User, config.KeyFile, config.DeployTimeout)
	if err != nil {
		return nil, err
	}

	return New(config, runner), nil
}

func New(config Config, runner Runner) *SSH {
	h := &hosts{
		config: config,
		runner: runner,
		used:   map[string]int{},
	}
	return &SSH{
		Deployer: internal.NewDeployer(config.Config, h),
		hosts:    h,
		runner:   runner,
	}
}

func (s *SSH) Describe() string {
	hosts := lo.Map(s.hosts.config.Hosts, func(h Host, _ int) string { return h.String() })
	return fmt.Sprintf("processes on %s (%s)", strings.Join(hosts, ","), s.hosts.config.Config)
}

// LookupNode adopts a process started on one of the configured hosts. It
// counts against the host capacity even when the host is already full.
func (s *SSH) LookupNode(ctx context.Context, url string) (infrastructure.Node, error) {
	address, pid, err := parseURL(url)
	if err != nil {
		return nil, err
	}
	if !s.hosts.known(address) {
		return nil, fmt.Errorf("host '%s' is not part of this infrastructure", address)
	}

	node := &Node{address: address, pid: pid, runner: s.runner}
	if err := node.Ping(ctx); err != nil {
		return nil, fmt.Errorf("node '%s' is not reachable: %w", url, err)
	}

	s.hosts.reserve(address)
	s.Adopt(node, address)
	return node, nil
}

// Wait also closes the ssh connections once every deployment has exited.
func (s *SSH) Wait() {
	s.Deployer.Wait()
	if err := s.runner.Close(); err != nil {
		s.hosts.config.Logger.Debug("Failed to close ssh connections", "error", err)
	}
}

// hosts implements internal.Acquirer: targets are host addresses.
type hosts struct {
	config Config
	runner Runner

	mutex sync.Mutex
	used  map[string]int
}

func (h *hosts) known(address string) bool {
	return slices.ContainsFunc(h.config.Hosts, func(host Host) bool { return host.Address == address })
}

func (h *hosts) reserve(address string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.used[address]++
}

// Reserve picks the least loaded host with room left, or "" when all are full.
func (h *hosts) Reserve() string {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	best := ""
	for _, host := range h.config.Hosts {
		used := h.used[host.Address]
		if used >= host.Capacity {
			continue
		}
		if best == "" || used < h.used[best] {
			best = host.Address
		}
	}
	if best != "" {
		h.used[best]++
	}
	return best
}

func (h *hosts) Unreserve(address string) {
	if address == "" {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.used[address] > 0 {
		h.used[address]--
	}
}

func (h *hosts) Deploy(ctx context.Context, address string) (infrastructure.Node, error) {
	if address == "" {
		return nil, retry.Unrecoverable(ErrNoCapacity)
	}

	name := namegen.Node("warden")
	cmd, err := internal.RenderCommand(h.config.Command, internal.CommandData{Name: name, Host: hostname(address)})
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}

	output, err := h.runner.Run(ctx, address, fmt.Sprintf("nohup sh -c %s > /dev/null 2>&1 & echo $!", shellescape.Quote(cmd)))
	if err != nil {
		return nil, fmt.Errorf("failed to start node '%s': %w", name, err)
	}
	pid, err := strconv.Atoi(output)
	if err != nil {
		return nil, fmt.Errorf("failed to start node '%s': unexpected process id '%s'", name, output)
	}

	node := &Node{address: address, pid: pid, runner: h.runner}
	if err := node.Ping(ctx); err != nil {
		return nil, fmt.Errorf("node '%s' exited right after starting: %w", name, err)
	}
	return node, nil
}

func (h *hosts) Teardown(ctx context.Context, node infrastructure.Node) error {
	address, pid, err := parseURL(node.URL())
	if err != nil {
		return err
	}
	// The process may already be gone
	if _, err := h.runner.Run(ctx, address, fmt.Sprintf("kill %d 2>/dev/null || true", pid)); err != nil {
		return fmt.Errorf("failed to stop process %d: %w", pid, err)
	}
	return nil
}
