package ssh

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/internal/params"
	"github.com/gammadia/warden/policy"
	"github.com/gammadia/warden/rm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCore(t *testing.T, runner *fakeRunner) (*rm.Core, <-chan rm.Event) {
	t.Helper()

	config := rm.DefaultConfig()
	config.PingFrequency = time.Hour
	config.ClientTimeout = 0
	config.Infrastructures.Register(Kind, func(p params.Params, logger *slog.Logger) (infrastructure.Infrastructure, error) {
		c, err := ParseConfig(p)
		if err != nil {
			return nil, err
		}
		c.Logger = logger
		return New(c, runner), nil
	})

	core := rm.New(config)
	events, unsubscribe := core.Subscribe()
	go core.Run()
	t.Cleanup(func() {
		unsubscribe()
		core.Shutdown()
		core.Wait()
	})
	return core, events
}

func waitForEvent[T rm.Event](t *testing.T, events <-chan rm.Event) T {
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

// A deployment retrying forever on an unreachable host holds one worker
// while a dead node of the reachable host is replaced.
func TestRestartDownNodeWhileHostIsUnreachable(t *testing.T) {
	runner := newFakeRunner()
	runner.down["bad"] = true
	core, events := newTestCore(t, runner)

	require.NoError(t, core.CreateNodeSource(rm.NodeSourceDefinition{
		Name:                 "pool",
		Infrastructure:       Kind,
		InfrastructureParams: []string{"2", "1s", "-1", "1ms", "2", "good=2,bad", "agent --name {{ .Name }}"},
		Policy:               policy.RestartDownNodesKind,
		PolicyParams:         []string{policy.All, policy.All, "10ms"},
	}))

	added := waitForEvent[rm.EventNodeAdded](t, events)
	assert.Equal(t, "good", added.Node.Host)
	require.Eventually(t, func() bool { return runner.callsOn("bad") > 5 }, 5*time.Second, time.Millisecond)

	runner.kill(added.Node.URL)
	require.NoError(t, core.SetNodeSourcePingFrequency("pool", 10*time.Millisecond))

	removed := waitForEvent[rm.EventNodeRemoved](t, events)
	assert.Equal(t, added.Node.URL, removed.Node.URL)
	assert.Equal(t, rm.NodeStateDown, removed.Node.State)

	replacement := waitForEvent[rm.EventNodeAdded](t, events)
	assert.Equal(t, "good", replacement.Node.Host)
	assert.NotEqual(t, added.Node.URL, replacement.Node.URL)

	state, err := core.State()
	require.NoError(t, err)
	assert.Equal(t, 1, state.Total)
	assert.Equal(t, 1, state.Free)
	require.Len(t, state.NodeSources, 1)
	assert.Equal(t, 1, state.NodeSources[0].Pending, "the deployment on the unreachable host is still retrying")
	assert.Equal(t, 1, runner.processes("good"))
}
