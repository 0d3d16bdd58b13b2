// Package openstack deploys nodes as servers of an OpenStack cloud.
package openstack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/infrastructure/internal"
	"github.com/gammadia/warden/infrastructure/ssh"
	"github.com/gammadia/warden/internal/params"
	"github.com/gammadia/warden/namegen"
	gossh "golang.org/x/crypto/ssh"
)

const Kind = "openstack"

const scheme = "openstack://"

const (
	statusActive = "ACTIVE"
	statusError  = "ERROR"
)

type OpenStack struct {
	*internal.Deployer
	servers *serverSet
}

// OpenStack implements infrastructure.Infrastructure
var _ infrastructure.Infrastructure = (*OpenStack)(nil)

// Factory authenticates with the OS_* environment variables and creates
// the keypair the servers are started with.
func Factory(p params.Params, logger *slog.Logger) (infrastructure.Infrastructure, error) {
	config, err := ParseConfig(p)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		config.Logger = logger
	}

	name := namegen.Node("warden")
	compute, err := newNova(config, name, name)
	if err != nil {
		return nil, err
	}

	privateKey, err := compute.createKeypair()
	if err != nil {
		return nil, err
	}
	signer, err := gossh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		_ = compute.Close()
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return New(config, compute, ssh.NewSignerRunner(config.Username, signer, 5*time.Second)), nil
}

// New builds the infrastructure. The runner is only used when the
// configuration has a node command.
func New(config Config, compute Compute, runner ssh.Runner) *OpenStack {
	s := &serverSet{
		config:   config,
		compute:  compute,
		runner:   runner,
		reserved: map[string]struct{}{},
	}
	return &OpenStack{
		Deployer: internal.NewDeployer(config.Config, s),
		servers:  s,
	}
}

func (o *OpenStack) Describe() string {
	return fmt.Sprintf("openstack servers of flavor '%s' running '%s' (%s)", o.servers.config.Flavor, o.servers.config.Image, o.servers.config.Config)
}

// LookupNode adopts an active server, typically one deployed before a
// restart.
func (o *OpenStack) LookupNode(ctx context.Context, url string) (infrastructure.Node, error) {
	id, err := serverID(url)
	if err != nil {
		return nil, err
	}

	address, err := o.servers.compute.ServerAddress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("node '%s' is not reachable: %w", url, err)
	}

	node := o.servers.node(id, address)
	if err := node.Ping(ctx); err != nil {
		return nil, fmt.Errorf("node '%s' is not reachable: %w", url, err)
	}

	o.Adopt(node, id)
	return node, nil
}

// Wait also deletes the keypair once every deployment has exited. Servers
// are left alone, they are released by the resource manager.
func (o *OpenStack) Wait() {
	o.Deployer.Wait()

	log := o.servers.config.Logger
	if err := o.servers.compute.Close(); err != nil {
		log.Warn("Failed to close compute client", "error", err)
	}
	if o.servers.runner != nil {
		if err := o.servers.runner.Close(); err != nil {
			log.Debug("Failed to close ssh connections", "error", err)
		}
	}
}

// serverSet implements internal.Acquirer: targets are server names.
type serverSet struct {
	config  Config
	compute Compute
	runner  ssh.Runner

	mutex    sync.Mutex
	reserved map[string]struct{}
}

func (s *serverSet) node(id, address string) *Node {
	return &Node{id: id, address: address, compute: s.compute}
}

func (s *serverSet) Reserve() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for {
		name := namegen.Node("warden")
		if _, ok := s.reserved[name]; !ok {
			s.reserved[name] = struct{}{}
			return name
		}
	}
}

func (s *serverSet) Unreserve(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.reserved, name)
}

func (s *serverSet) Deploy(ctx context.Context, name string) (node infrastructure.Node, err error) {
	log := s.config.Logger.With("server", name)

	id, err := s.compute.CreateServer(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if err := s.compute.DeleteServer(context.Background(), id); err != nil {
				log.Warn("Failed to delete server of a failed deployment", "error", err)
			}
		}
	}()

	log.Debug("Created server, waiting for it to become ready")
	if err := s.waitActive(ctx, id); err != nil {
		return nil, err
	}

	address, err := s.compute.ServerAddress(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.config.Command != nil {
		if err := s.start(ctx, name, address); err != nil {
			return nil, err
		}
	}

	return s.node(id, address), nil
}

func (s *serverSet) Teardown(ctx context.Context, node infrastructure.Node) error {
	id, err := serverID(node.URL())
	if err != nil {
		return err
	}
	if err := s.compute.DeleteServer(ctx, id); err != nil {
		return fmt.Errorf("failed to delete server '%s': %w", id, err)
	}
	return nil
}

func (s *serverSet) waitActive(ctx context.Context, id string) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := s.compute.ServerStatus(ctx, id)
		if err != nil {
			return err
		}
		switch status {
		case statusActive:
			return nil
		case statusError:
			return fmt.Errorf("server '%s' failed to build", id)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("server '%s' is still %s: %w", id, status, ctx.Err())
		}
	}
}

// start runs the node command, retrying while the SSH daemon boots.
func (s *serverSet) start(ctx context.Context, name, address string) error {
	cmd, err := internal.RenderCommand(s.config.Command, internal.CommandData{Name: name, Host: address})
	if err != nil {
		return retry.Unrecoverable(err)
	}

	policy := internal.RetryPolicy{
		Attempts: infrastructure.InfiniteAttempts,
		Delay:    s.config.PollInterval,
		OnRetry: func(attempt int, err error) {
			s.config.Logger.Debug("SSH daemon not ready, retrying", "server", name, "attempt", attempt, "error", err)
		},
	}
	_, err = internal.RetryResultWithPolicy(ctx, policy, func(ctx context.Context) (string, error) {
		return s.runner.Run(ctx, address, cmd)
	})
	if err != nil {
		return fmt.Errorf("failed to start node on server '%s': %w", name, err)
	}
	return nil
}

// Node is an OpenStack server.
type Node struct {
	id      string
	address string
	compute Compute
}

func (n *Node) URL() string {
	return scheme + n.id
}

func (n *Node) Host() string {
	return n.address
}

func (n *Node) Ping(ctx context.Context) error {
	status, err := n.compute.ServerStatus(ctx, n.id)
	if err != nil {
		return err
	}
	if status != statusActive {
		return fmt.Errorf("server '%s' is %s", n.id, strings.ToLower(status))
	}
	return nil
}

func serverID(url string) (string, error) {
	id, ok := strings.CutPrefix(url, scheme)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("'%s' is not an openstack node url", url)
	}
	return id, nil
}
