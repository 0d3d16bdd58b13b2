package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gammadia/warden/internal/params"
	"github.com/samber/lo"
)

const (
	StaticKind           = "static"
	CronKind             = "cron"
	TimeSlotKind         = "timeslot"
	RestartDownNodesKind = "restart-down-nodes"
)

var ErrUnknownKind = errors.New("unknown policy")

// Factory builds a policy from its positional parameters. The first two
// parameters of every policy are the user and provider access rules.
type Factory func(p params.Params, logger *slog.Logger) (Policy, error)

type Registry struct {
	mutex     sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry that knows every built-in policy.
func NewRegistry() *Registry {
	registry := &Registry{factories: map[string]Factory{}}
	registry.Register(StaticKind, newStaticFromParams)
	registry.Register(CronKind, newCronFromParams)
	registry.Register(TimeSlotKind, newTimeSlotFromParams)
	registry.Register(RestartDownNodesKind, newRestartDownNodesFromParams)
	return registry
}

func (r *Registry) Register(kind string, factory Factory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.factories[kind] = factory
}

func (r *Registry) New(kind string, p []string, logger *slog.Logger) (Policy, error) {
	r.mutex.RLock()
	factory, ok := r.factories[kind]
	r.mutex.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownKind, kind)
	}

	policy, err := factory(params.Params(p), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure policy '%s': %w", kind, err)
	}
	return policy, nil
}

func (r *Registry) Kinds() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	kinds := lo.Keys(r.factories)
	slices.Sort(kinds)
	return kinds
}

// static: user-access, provider-access
func newStaticFromParams(p params.Params, logger *slog.Logger) (Policy, error) {
	access, err := parseAccess(p)
	if err != nil {
		return nil, err
	}
	return NewStatic(StaticConfig{Access: access, Logger: logger}), nil
}

// cron: user-access, provider-access, acquire, remove, preemptive
func newCronFromParams(p params.Params, logger *slog.Logger) (Policy, error) {
	access, err := parseAccess(p)
	if err != nil {
		return nil, err
	}
	preemptive, err := p.Bool(4, false)
	if err != nil {
		return nil, err
	}
	return NewCron(CronConfig{
		Access:     access,
		Logger:     logger,
		Acquire:    p.String(2, "0 8 * * 1-5"),
		Remove:     p.String(3, "0 20 * * 1-5"),
		Preemptive: preemptive,
	})
}

// timeslot: user-access, provider-access, period, preemptive, start-present
func newTimeSlotFromParams(p params.Params, logger *slog.Logger) (Policy, error) {
	access, err := parseAccess(p)
	if err != nil {
		return nil, err
	}
	period, err := p.Duration(2, time.Hour)
	if err != nil {
		return nil, err
	}
	preemptive, err := p.Bool(3, false)
	if err != nil {
		return nil, err
	}
	startPresent, err := p.Bool(4, true)
	if err != nil {
		return nil, err
	}
	return NewTimeSlot(TimeSlotConfig{
		Access:       access,
		Logger:       logger,
		Period:       period,
		Preemptive:   preemptive,
		StartPresent: startPresent,
	})
}

// restart-down-nodes: user-access, provider-access, delay
func newRestartDownNodesFromParams(p params.Params, logger *slog.Logger) (Policy, error) {
	access, err := parseAccess(p)
	if err != nil {
		return nil, err
	}
	delay, err := p.Duration(2, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if delay < 0 {
		return nil, errors.New("delay must not be negative")
	}
	return NewRestartDownNodes(RestartDownNodesConfig{Access: access, Logger: logger, Delay: delay}), nil
}
