package rm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/internal/params"
	"github.com/gammadia/warden/policy"
	"github.com/stretchr/testify/require"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Fake node ---

type fakeNode struct {
	url     string
	host    string
	healthy atomic.Bool
}

func (n *fakeNode) URL() string  { return n.url }
func (n *fakeNode) Host() string { return n.host }
func (n *fakeNode) Ping(context.Context) error {
	if !n.healthy.Load() {
		return errors.New("node is not answering")
	}
	return nil
}

// --- Fake infrastructure ---

// fakeInfra deploys nodes instantly, spreading them over its hosts in turn.
type fakeInfra struct {
	name   string
	target int
	fail   bool
	hosts  []string
	// hold delays every acquisition until it is closed
	hold <-chan struct{}

	mutex     sync.Mutex
	registrar infrastructure.Registrar
	nodes     map[string]*fakeNode
	next      int
	released  []string
	refused   int
	shutdown  bool
	wg        sync.WaitGroup
}

func (f *fakeInfra) Describe() string { return "fake nodes" }
func (f *fakeInfra) TargetNodes() int { return f.target }

func (f *fakeInfra) Start(registrar infrastructure.Registrar) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.registrar = registrar
}

func (f *fakeInfra) AcquireNodes(n int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.shutdown || f.registrar == nil {
		return
	}

	registrar := f.registrar
	for range n {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()

			if f.hold != nil {
				<-f.hold
			}
			if f.fail {
				registrar.AcquisitionFailed(errors.New("no capacity left"))
				return
			}
			if err := registrar.Register(f.create("")); err != nil {
				f.mutex.Lock()
				f.refused++
				f.mutex.Unlock()
			}
		}()
	}
}

// create returns a new node, on host when set.
func (f *fakeInfra) create(host string) *fakeNode {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.next++
	if host == "" {
		host = f.hosts[(f.next-1)%len(f.hosts)]
	}
	n := &fakeNode{url: fmt.Sprintf("fake://%s/%s-%d", host, f.name, f.next), host: host}
	n.healthy.Store(true)
	f.nodes[n.url] = n
	return n
}

func (f *fakeInfra) ReleaseNode(_ context.Context, node infrastructure.Node) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.released = append(f.released, node.URL())
	return nil
}

func (f *fakeInfra) LookupNode(_ context.Context, url string) (infrastructure.Node, error) {
	if strings.Contains(url, "unreachable") {
		return nil, fmt.Errorf("node '%s' is not reachable", url)
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if n, ok := f.nodes[url]; ok {
		return n, nil
	}
	host, _, _ := strings.Cut(strings.TrimPrefix(url, "fake://"), "/")
	n := &fakeNode{url: url, host: host}
	n.healthy.Store(true)
	f.nodes[url] = n
	return n, nil
}

func (f *fakeInfra) Shutdown() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.shutdown = true
}

func (f *fakeInfra) Wait() {
	f.wg.Wait()
}

func (f *fakeInfra) node(url string) *fakeNode {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.nodes[url]
}

func (f *fakeInfra) releasedURLs() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return slices.Clone(f.released)
}

func (f *fakeInfra) refusedCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.refused
}

// fakeInfras builds fake infrastructures from the parameters
// [name, target, fail, hosts...] and remembers them by name.
type fakeInfras struct {
	mutex  sync.Mutex
	byName map[string]*fakeInfra
	hold   chan struct{}
}

func (r *fakeInfras) factory(p params.Params, _ *slog.Logger) (infrastructure.Infrastructure, error) {
	target, err := p.Int(1, 0)
	if err != nil {
		return nil, err
	}
	fail, err := p.Bool(2, false)
	if err != nil {
		return nil, err
	}
	hosts := []string(p.From(3))
	if len(hosts) == 0 {
		hosts = []string{"host-0"}
	}

	f := &fakeInfra{
		name:   p.String(0, DefaultNodeSource),
		target: target,
		fail:   fail,
		hosts:  hosts,
		nodes:  map[string]*fakeNode{},
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	f.hold = r.hold
	r.byName[f.name] = f
	return f, nil
}

func (r *fakeInfras) get(t *testing.T, name string) *fakeInfra {
	t.Helper()
	r.mutex.Lock()
	defer r.mutex.Unlock()
	f, ok := r.byName[name]
	require.True(t, ok, "no infrastructure for node source '%s'", name)
	return f
}

// --- Manual policy ---

// manualPolicy hands its controller over to the test instead of acquiring
// nodes on activation.
type manualPolicy struct {
	policy.Policy
	controllers chan policy.Controller
}

func (p *manualPolicy) Activate(ctl policy.Controller) error {
	p.controllers <- ctl
	return nil
}

// registerManualPolicy registers the "manual" policy kind and returns the
// channel its controllers are sent to.
func registerManualPolicy(config *Config) <-chan policy.Controller {
	controllers := make(chan policy.Controller, 10)
	config.Policies.Register("manual", func(params.Params, *slog.Logger) (policy.Policy, error) {
		return &manualPolicy{Policy: policy.NewStatic(policy.StaticConfig{}), controllers: controllers}, nil
	})
	return controllers
}

// --- Memory store ---

type memStore struct {
	mutex   sync.Mutex
	sources map[string]NodeSourceDefinition
	nodes   map[string][]string
}

func newMemStore() *memStore {
	return &memStore{sources: map[string]NodeSourceDefinition{}, nodes: map[string][]string{}}
}

func (s *memStore) SaveNodeSource(_ context.Context, definition NodeSourceDefinition) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sources[definition.Name] = definition
	return nil
}

func (s *memStore) DeleteNodeSource(_ context.Context, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.sources, name)
	delete(s.nodes, name)
	return nil
}

func (s *memStore) SaveNode(_ context.Context, source string, url string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !slices.Contains(s.nodes[source], url) {
		s.nodes[source] = append(s.nodes[source], url)
	}
	return nil
}

func (s *memStore) DeleteNode(_ context.Context, source string, url string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nodes[source] = slices.DeleteFunc(s.nodes[source], func(u string) bool { return u == url })
	return nil
}

func (s *memStore) Load(context.Context) ([]RecoveredNodeSource, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var recovered []RecoveredNodeSource
	for name, definition := range s.sources {
		recovered = append(recovered, RecoveredNodeSource{Definition: definition, Nodes: slices.Clone(s.nodes[name])})
	}
	return recovered, nil
}

func (s *memStore) nodeURLs(source string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return slices.Clone(s.nodes[source])
}

// --- Helpers ---

func newTestConfig(infras *fakeInfras) Config {
	config := DefaultConfig()
	config.Logger = silentLogger
	config.Infrastructures.Register("fake", infras.factory)
	config.Infrastructures.Register(infrastructure.DefaultKind, infras.factory)
	config.PingFrequency = time.Hour
	config.ClientTimeout = 0
	return config
}

// newTestCore starts a core using fake infrastructures. mutate may adjust the
// configuration before the core is created.
func newTestCore(t *testing.T, mutate func(*Config)) (*Core, *fakeInfras, <-chan Event) {
	t.Helper()

	infras := &fakeInfras{byName: map[string]*fakeInfra{}}
	config := newTestConfig(infras)
	if mutate != nil {
		mutate(&config)
	}

	core := New(config)
	events, unsubscribe := core.Subscribe()

	go core.Run()
	t.Cleanup(func() {
		unsubscribe()
		core.Shutdown()
		core.Wait()
	})

	return core, infras, events
}

func fakeDefinition(name string, target int, hosts ...string) NodeSourceDefinition {
	return NodeSourceDefinition{
		Name:                 name,
		Infrastructure:       "fake",
		InfrastructureParams: append([]string{name, strconv.Itoa(target), "false"}, hosts...),
		Policy:               "static",
	}
}

func connect(t *testing.T, core *Core, name string) ClientID {
	t.Helper()
	id, err := core.Connect(name)
	require.NoError(t, err)
	return id
}

// createNodeSource creates a node source and waits for its nodes to be free.
func createNodeSource(t *testing.T, core *Core, definition NodeSourceDefinition, free int) {
	t.Helper()
	require.NoError(t, core.CreateNodeSource(definition))
	requireFreeNodes(t, core, free)
}

func requireFreeNodes(t *testing.T, core *Core, free int) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := core.State()
		return err == nil && state.Free == free
	}, 5*time.Second, 5*time.Millisecond, "expected %d free nodes", free)
}

func nodeState(t *testing.T, core *Core, url string) NodeState {
	t.Helper()
	info, err := core.NodeState(url)
	require.NoError(t, err)
	return info.State
}

func urls(nodes []NodeInfo) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.URL
	}
	return out
}

func waitForEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-time.After(5 * time.Second):
			var zero T
			t.Fatalf("timed out waiting for event %T", zero)
			return zero
		}
	}
}

// waitForState waits for a state change of url to state.
func waitForState(t *testing.T, events <-chan Event, url string, state NodeState) EventNodeStateChanged {
	t.Helper()
	for {
		ev := waitForEvent[EventNodeStateChanged](t, events)
		if ev.Node.URL == url && ev.Node.State == state {
			return ev
		}
	}
}

// collectEventsUntil collects events until predicate returns true or timeout.
func collectEventsUntil(ch <-chan Event, timeout time.Duration, predicate func(Event) bool) []Event {
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case event := <-ch:
			events = append(events, event)
			if predicate(event) {
				return events
			}
		case <-deadline:
			return events
		}
	}
}
