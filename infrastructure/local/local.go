// Package local deploys nodes as containers of the local docker daemon.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/infrastructure/internal"
	"github.com/gammadia/warden/internal/params"
	"github.com/gammadia/warden/namegen"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1" // for DockerClient interface
	"github.com/samber/lo"
)

const Kind = "local"

// ManagedLabel marks the containers deployed by warden.
const ManagedLabel = "warden.managed"

// DockerClient abstracts the Docker SDK methods used to manage node
// containers, enabling mock-based testing without a real Docker daemon.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type Local struct {
	*internal.Deployer
	containers *containers
}

// Local implements infrastructure.Infrastructure
var _ infrastructure.Infrastructure = (*Local)(nil)

// Factory builds a Local infrastructure talking to the docker daemon
// configured by the environment.
func Factory(p params.Params, logger *slog.Logger) (infrastructure.Infrastructure, error) {
	config, err := ParseConfig(p)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		config.Logger = logger
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to init docker client: %w", err)
	}

	return New(config, docker), nil
}

func New(config Config, docker DockerClient) *Local {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	c := &containers{
		config:   config,
		docker:   docker,
		host:     host,
		reserved: map[string]struct{}{},
	}
	return &Local{
		Deployer:   internal.NewDeployer(config.Config, c),
		containers: c,
	}
}

func (l *Local) Describe() string {
	return fmt.Sprintf("docker containers of '%s' (%s)", l.containers.config.Image, l.containers.config.Config)
}

// LookupNode adopts a running container, typically one deployed before a
// restart.
func (l *Local) LookupNode(ctx context.Context, url string) (infrastructure.Node, error) {
	name, err := containerName(url)
	if err != nil {
		return nil, err
	}

	node := l.containers.node(name)
	if err := node.Ping(ctx); err != nil {
		return nil, fmt.Errorf("node '%s' is not reachable: %w", url, err)
	}

	l.containers.reserve(name)
	l.Adopt(node, name)
	return node, nil
}

// containers implements internal.Acquirer: targets are container names.
type containers struct {
	config Config
	docker DockerClient
	host   string

	mutex    sync.Mutex
	reserved map[string]struct{}
}

func (c *containers) node(name string) *Node {
	return &Node{name: name, host: c.host, docker: c.docker}
}

func (c *containers) reserve(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.reserved[name] = struct{}{}
}

func (c *containers) Reserve() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for {
		name := namegen.Node("warden")
		if _, ok := c.reserved[name]; !ok {
			c.reserved[name] = struct{}{}
			return name
		}
	}
}

func (c *containers) Unreserve(name string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.reserved, name)
}

func (c *containers) Deploy(ctx context.Context, name string) (infrastructure.Node, error) {
	if err := c.ensureImage(ctx); err != nil {
		return nil, err
	}

	// Leftover of a previous attempt
	_ = c.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	config := &container.Config{
		Image:  c.config.Image,
		Labels: map[string]string{ManagedLabel: "true"},
	}
	if c.config.Command != nil {
		cmd, err := internal.RenderCommand(c.config.Command, internal.CommandData{Name: name, Host: c.host})
		if err != nil {
			return nil, err
		}
		config.Cmd = []string{"sh", "-c", cmd}
	}

	hostConfig := &container.HostConfig{
		Init:          lo.ToPtr(true),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if c.config.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(c.config.Network)
	}

	if _, err := c.docker.ContainerCreate(ctx, config, hostConfig, nil, nil, name); err != nil {
		return nil, fmt.Errorf("failed to create container '%s': %w", name, err)
	}

	if err := c.docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		_ = c.docker.ContainerRemove(context.Background(), name, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container '%s': %w", name, err)
	}

	return c.node(name), nil
}

func (c *containers) Teardown(ctx context.Context, node infrastructure.Node) error {
	name, err := containerName(node.URL())
	if err != nil {
		return err
	}
	if err := c.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container '%s': %w", name, err)
	}
	return nil
}

func (c *containers) ensureImage(ctx context.Context) error {
	list, err := internal.RetryResultWithContext(ctx, 3, func() ([]image.Summary, error) {
		return c.docker.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", c.config.Image)),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}
	if len(list) > 0 {
		return nil
	}

	c.config.Logger.Debug("Pulling node image", "image", c.config.Image)
	reader, err := c.docker.ImagePull(ctx, c.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull docker image '%s': %w", c.config.Image, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
