package local

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/internal/params"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock docker ---

type mockDocker struct {
	mutex      sync.Mutex
	images     []string
	pulls      []string
	running    map[string]bool
	commands   map[string][]string
	failCreate bool
}

func newMockDocker(images ...string) *mockDocker {
	return &mockDocker{images: images, running: map[string]bool{}, commands: map[string][]string{}}
}

func (d *mockDocker) ContainerCreate(_ context.Context, config *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.failCreate {
		return container.CreateResponse{}, errors.New("no space left on device")
	}
	d.running[name] = false
	d.commands[name] = config.Cmd
	return container.CreateResponse{ID: name}, nil
}

func (d *mockDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.running[id] = true
	return nil
}

func (d *mockDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	running, ok := d.running[id]
	if !ok {
		return container.InspectResponse{}, errors.New("no such container")
	}
	state := &container.State{Running: running, Status: "exited"}
	if running {
		state.Status = "running"
	}
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{State: state}}, nil
}

func (d *mockDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.running, id)
	return nil
}

func (d *mockDocker) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	summaries := make([]image.Summary, len(d.images))
	for i, ref := range d.images {
		summaries[i] = image.Summary{RepoTags: []string{ref}}
	}
	return summaries, nil
}

func (d *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.pulls = append(d.pulls, ref)
	d.images = append(d.images, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (d *mockDocker) stop(name string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.running[name] = false
}

func (d *mockDocker) containers() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.running)
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

func newTestLocal(t *testing.T, docker *mockDocker, p ...string) *Local {
	t.Helper()
	config, err := ParseConfig(params.Params(append([]string{"2", "1s", "2", "1ms", "2"}, p...)))
	require.NoError(t, err)

	l := New(config, docker)
	t.Cleanup(func() {
		l.Shutdown()
		l.Wait()
	})
	return l
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
	config, err := ParseConfig(params.Params{"3", "30s", "-1", "1s", "4", "alpine:3", "agent {{ .Name }}", "nodes"})
	require.NoError(t, err)
	assert.Equal(t, 3, config.Nodes)
	assert.Equal(t, infrastructure.InfiniteAttempts, config.Attempts)
	assert.Equal(t, "alpine:3", config.Image)
	assert.Equal(t, "nodes", config.Network)
	assert.NotNil(t, config.Command)

	_, err = ParseConfig(params.Params{"3"})
	assert.EqualError(t, err, "image is required")

	_, err = ParseConfig(params.Params{"3", "30s", "1", "1s", "1", "alpine:3", "agent {{ .Name"})
	assert.ErrorContains(t, err, "invalid node command")
}

func TestDeployStartsContainers(t *testing.T) {
	docker := newMockDocker()
	l := newTestLocal(t, docker, "alpine:3", "agent --name {{ .Name }}")
	registrar := newMockRegistrar()
	l.Start(registrar)

	l.AcquireNodes(l.TargetNodes())

	first := waitForNode(t, registrar.nodes)
	second := waitForNode(t, registrar.nodes)
	assert.NotEqual(t, first.URL(), second.URL())
	assert.True(t, strings.HasPrefix(first.URL(), "docker://warden-"))
	require.NoError(t, first.Ping(t.Context()))

	// The image is pulled once it is missing
	assert.Contains(t, docker.pulls, "alpine:3")

	name, err := containerName(first.URL())
	require.NoError(t, err)
	docker.mutex.Lock()
	assert.Equal(t, []string{"sh", "-c", "agent --name " + name}, docker.commands[name])
	docker.mutex.Unlock()

	require.NoError(t, l.ReleaseNode(t.Context(), first))
	assert.Equal(t, 1, docker.containers())
	assert.Equal(t, 1, l.Deployed())
}

func TestPingStoppedContainer(t *testing.T) {
	docker := newMockDocker("alpine:3")
	l := newTestLocal(t, docker, "alpine:3")
	registrar := newMockRegistrar()
	l.Start(registrar)

	l.AcquireNodes(1)
	node := waitForNode(t, registrar.nodes)

	name, err := containerName(node.URL())
	require.NoError(t, err)
	docker.stop(name)

	assert.EqualError(t, node.Ping(t.Context()), "container '"+name+"' is exited")
	assert.Empty(t, docker.pulls)
}

func TestDeployFailureIsReported(t *testing.T) {
	docker := newMockDocker("alpine:3")
	docker.failCreate = true
	l := newTestLocal(t, docker, "alpine:3")
	registrar := newMockRegistrar()
	l.Start(registrar)

	l.AcquireNodes(1)

	select {
	case err := <-registrar.failures:
		assert.ErrorContains(t, err, "no space left on device")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for acquisition failure")
	}
	assert.Equal(t, 0, l.Deployed())
}

func TestLookupNode(t *testing.T) {
	docker := newMockDocker("alpine:3")
	docker.running["warden-old"] = true
	l := newTestLocal(t, docker, "alpine:3")

	node, err := l.LookupNode(t.Context(), "docker://warden-old")
	require.NoError(t, err)
	assert.Equal(t, "docker://warden-old", node.URL())
	assert.Equal(t, 1, l.Deployed())

	_, err = l.LookupNode(t.Context(), "docker://warden-gone")
	assert.ErrorContains(t, err, "is not reachable")

	_, err = l.LookupNode(t.Context(), "tcp://warden-old")
	assert.ErrorContains(t, err, "is not a docker node url")
}
