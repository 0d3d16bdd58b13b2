package infrastructure

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gammadia/warden/internal/params"
	"github.com/samber/lo"
)

// DefaultKind is the infrastructure of node sources that only receive
// nodes added by hand.
const DefaultKind = "default"

var ErrUnknownKind = errors.New("unknown infrastructure")

// Factory builds an infrastructure from its positional parameters.
type Factory func(p params.Params, logger *slog.Logger) (Infrastructure, error)

// Registry maps infrastructure kinds to their factory.
type Registry struct {
	mutex     sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry that already knows DefaultKind.
func NewRegistry() *Registry {
	registry := &Registry{factories: map[string]Factory{}}
	registry.Register(DefaultKind, func(_ params.Params, logger *slog.Logger) (Infrastructure, error) {
		return NewManual(logger), nil
	})
	return registry
}

func (r *Registry) Register(kind string, factory Factory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.factories[kind] = factory
}

func (r *Registry) New(kind string, p []string, logger *slog.Logger) (Infrastructure, error) {
	r.mutex.RLock()
	factory, ok := r.factories[kind]
	r.mutex.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownKind, kind)
	}

	infra, err := factory(params.Params(p), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure infrastructure '%s': %w", kind, err)
	}
	return infra, nil
}

func (r *Registry) Kinds() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	kinds := lo.Keys(r.factories)
	slices.Sort(kinds)
	return kinds
}
