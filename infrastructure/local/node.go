package local

import (
	"context"
	"fmt"
	"strings"
)

const scheme = "docker://"

// Node is a container of the local docker daemon.
type Node struct {
	name   string
	host   string
	docker DockerClient
}

func (n *Node) URL() string {
	return scheme + n.name
}

func (n *Node) Host() string {
	return n.host
}

func (n *Node) Ping(ctx context.Context) error {
	info, err := n.docker.ContainerInspect(ctx, n.name)
	if err != nil {
		return fmt.Errorf("failed to inspect container '%s': %w", n.name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return fmt.Errorf("container '%s' has no state", n.name)
	}
	if !info.State.Running {
		return fmt.Errorf("container '%s' is %s", n.name, info.State.Status)
	}
	return nil
}

func containerName(url string) (string, error) {
	name, ok := strings.CutPrefix(url, scheme)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("'%s' is not a docker node url", url)
	}
	return name, nil
}
