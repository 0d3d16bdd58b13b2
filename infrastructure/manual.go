package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gammadia/warden/infrastructure/probe"
)

// Manual never deploys anything: its nodes are started elsewhere and added
// by URL. The URL scheme selects how the node is probed.
type Manual struct {
	log *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// Manual implements Infrastructure
var _ Infrastructure = (*Manual)(nil)

func NewManual(logger *slog.Logger) *Manual {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manual{
		log:  logger,
		stop: make(chan struct{}),
	}
}

func (m *Manual) Describe() string {
	return "nodes added by hand"
}

func (*Manual) Start(Registrar) {}

func (*Manual) TargetNodes() int {
	return 0
}

func (m *Manual) AcquireNodes(n int) {
	if n > 0 {
		m.log.Debug("Ignoring acquisition request, nodes must be added by hand", "nodes", n)
	}
}

func (m *Manual) ReleaseNode(_ context.Context, node Node) error {
	if closer, ok := node.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close probe of node '%s': %w", node.URL(), err)
		}
	}
	return nil
}

func (m *Manual) LookupNode(ctx context.Context, url string) (Node, error) {
	p, err := probe.New(url)
	if err != nil {
		return nil, err
	}

	if err := p.Ping(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("node '%s' is not reachable: %w", url, err)
	}

	return p, nil
}

func (m *Manual) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manual) Wait() {
	<-m.stop
}
