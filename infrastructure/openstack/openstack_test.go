package openstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/internal/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fake compute ---

type fakeServer struct {
	name   string
	status string
	polls  int
}

type fakeCompute struct {
	mutex      sync.Mutex
	next       int
	servers    map[string]*fakeServer
	buildPolls int
	fail       string
	closed     bool
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{servers: map[string]*fakeServer{}}
}

func (c *fakeCompute) CreateServer(_ context.Context, name string) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.next++
	id := fmt.Sprintf("srv-%d", c.next)
	c.servers[id] = &fakeServer{name: name, status: "BUILD"}
	return id, nil
}

func (c *fakeCompute) ServerStatus(_ context.Context, id string) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	server, ok := c.servers[id]
	if !ok {
		return "", ErrServerNotFound
	}
	if server.status == "BUILD" {
		server.polls++
		if server.polls > c.buildPolls {
			server.status = statusActive
			if c.fail != "" {
				server.status = c.fail
			}
		}
	}
	return server.status, nil
}

func (c *fakeCompute) ServerAddress(_ context.Context, id string) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.servers[id]; !ok {
		return "", ErrServerNotFound
	}
	return "10.0.0." + id[len("srv-"):], nil
}

func (c *fakeCompute) DeleteServer(_ context.Context, id string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.servers, id)
	return nil
}

func (c *fakeCompute) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCompute) setStatus(id, status string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.servers[id].status = status
}

func (c *fakeCompute) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.servers)
}

// --- Fake runner ---

type fakeRunner struct {
	mutex    sync.Mutex
	failures int
	commands map[string]string
}

func (r *fakeRunner) Run(_ context.Context, address string, command string) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.failures > 0 {
		r.failures--
		return "", errors.New("connection refused")
	}
	if r.commands == nil {
		r.commands = map[string]string{}
	}
	r.commands[address] = command
	return "", nil
}

func (r *fakeRunner) Close() error {
	return nil
}

// --- Mock registrar ---

type mockRegistrar struct {
	nodes    chan infrastructure.Node
	failures chan error
}

func newMockRegistrar() *mockRegistrar {
	return &mockRegistrar{nodes: make(chan infrastructure.Node, 10), failures: make(chan error, 10)}
}

func (r *mockRegistrar) Register(node infrastructure.Node) error {
	r.nodes <- node
	return nil
}

func (r *mockRegistrar) AcquisitionFailed(err error) {
	r.failures <- err
}

// --- Helpers ---

func newTestOpenStack(t *testing.T, compute *fakeCompute, runner *fakeRunner, p ...string) *OpenStack {
	t.Helper()
	config, err := ParseConfig(params.Params(append([]string{"2", "2s", "1", "1ms", "2", "ubuntu-22.04", "m1.small"}, p...)))
	require.NoError(t, err)
	config.PollInterval = time.Millisecond

	o := New(config, compute, runner)
	t.Cleanup(func() {
		o.Shutdown()
		o.Wait()
	})
	return o
}

func waitForNode(t *testing.T, nodes <-chan infrastructure.Node) infrastructure.Node {
	t.Helper()
	select {
	case node := <-nodes:
		return node
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for node registration")
		return nil
	}
}

// --- Tests ---

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig(params.Params{"3", "", "", "", "", "img", "flavor", "net-a,net-b", "default", "", "agent {{ .Host }}"})
	require.NoError(t, err)
	assert.Equal(t, []string{"net-a", "net-b"}, config.Networks)
	assert.Equal(t, []string{"default"}, config.SecurityGroups)
	assert.Equal(t, "ubuntu", config.Username)
	assert.NotNil(t, config.Command)

	_, err = ParseConfig(params.Params{"3"})
	assert.EqualError(t, err, "image is required")

	_, err = ParseConfig(params.Params{"3", "", "", "", "", "img"})
	assert.EqualError(t, err, "flavor is required")
}

func TestDeployWaitsForActiveServer(t *testing.T) {
	compute := newFakeCompute()
	compute.buildPolls = 3
	runner := &fakeRunner{failures: 2}
	o := newTestOpenStack(t, compute, runner, "", "", "", "agent --name {{ .Name }}")
	registrar := newMockRegistrar()
	o.Start(registrar)

	o.AcquireNodes(1)
	node := waitForNode(t, registrar.nodes)

	assert.Equal(t, "openstack://srv-1", node.URL())
	assert.Equal(t, "10.0.0.1", node.Host())
	require.NoError(t, node.Ping(t.Context()))

	runner.mutex.Lock()
	assert.Contains(t, runner.commands["10.0.0.1"], "agent --name warden-")
	runner.mutex.Unlock()

	require.NoError(t, o.ReleaseNode(t.Context(), node))
	assert.Equal(t, 0, compute.count())
}

func TestFailedBuildDeletesServer(t *testing.T) {
	compute := newFakeCompute()
	compute.fail = statusError
	o := newTestOpenStack(t, compute, &fakeRunner{})
	registrar := newMockRegistrar()
	o.Start(registrar)

	o.AcquireNodes(1)

	select {
	case err := <-registrar.failures:
		assert.ErrorContains(t, err, "failed to build")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for acquisition failure")
	}
	assert.Equal(t, 0, compute.count())
}

func TestPingStoppedServer(t *testing.T) {
	compute := newFakeCompute()
	o := newTestOpenStack(t, compute, &fakeRunner{})
	registrar := newMockRegistrar()
	o.Start(registrar)

	o.AcquireNodes(1)
	node := waitForNode(t, registrar.nodes)

	compute.setStatus("srv-1", "SHUTOFF")
	assert.EqualError(t, node.Ping(t.Context()), "server 'srv-1' is shutoff")

	require.NoError(t, compute.DeleteServer(t.Context(), "srv-1"))
	assert.ErrorIs(t, node.Ping(t.Context()), ErrServerNotFound)
}

func TestLookupNode(t *testing.T) {
	compute := newFakeCompute()
	o := newTestOpenStack(t, compute, &fakeRunner{})

	id, err := compute.CreateServer(t.Context(), "warden-old")
	require.NoError(t, err)
	compute.setStatus(id, statusActive)

	node, err := o.LookupNode(t.Context(), "openstack://"+id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", node.Host())
	assert.Equal(t, 1, o.Deployed())

	_, err = o.LookupNode(t.Context(), "openstack://srv-9")
	assert.ErrorContains(t, err, "is not reachable")

	_, err = o.LookupNode(t.Context(), "docker://srv-1")
	assert.ErrorContains(t, err, "is not an openstack node url")
}

func TestWaitClosesCompute(t *testing.T) {
	compute := newFakeCompute()
	config, err := ParseConfig(params.Params{"1", "", "", "", "", "img", "flavor"})
	require.NoError(t, err)

	o := New(config, compute, &fakeRunner{})
	o.Shutdown()
	o.Wait()

	compute.mutex.Lock()
	defer compute.mutex.Unlock()
	assert.True(t, compute.closed)
}
