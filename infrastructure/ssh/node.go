package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const scheme = "ssh://"

// Node is a background process started on a host.
type Node struct {
	address string
	pid     int
	runner  Runner
}

func (n *Node) URL() string {
	return fmt.Sprintf("%s%s/%d", scheme, n.address, n.pid)
}

func (n *Node) Host() string {
	return hostname(n.address)
}

func (n *Node) Ping(ctx context.Context) error {
	if _, err := n.runner.Run(ctx, n.address, fmt.Sprintf("kill -0 %d", n.pid)); err != nil {
		return fmt.Errorf("process %d is not running: %w", n.pid, err)
	}
	return nil
}

func parseURL(url string) (string, int, error) {
	rest, ok := strings.CutPrefix(url, scheme)
	if !ok {
		return "", 0, fmt.Errorf("'%s' is not an ssh node url", url)
	}

	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		return "", 0, fmt.Errorf("'%s' is not an ssh node url", url)
	}
	pid, err := strconv.Atoi(rest[i+1:])
	if err != nil || pid <= 0 {
		return "", 0, fmt.Errorf("'%s' has no valid process id", url)
	}
	return rest[:i], pid, nil
}

func hostname(address string) string {
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}
