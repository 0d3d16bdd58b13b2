package rm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/warden/internal/workers"
	"github.com/gammadia/warden/namegen"
)

// Core is the resource manager. Its state is owned by the goroutine running
// Run: every operation is a closure executed there, so transitions never
// interleave and snapshots are never torn.
type Core struct {
	name   namegen.ID
	config Config
	log    *slog.Logger

	sources      map[string]*nodeSource
	nodes        map[uint64]*node
	byURL        map[string][]*node
	nextInstance uint64
	clients      map[ClientID]*client
	shuttingDown bool

	bus      *bus
	tasks    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	releases *workers.Pool
	persists *workers.Pool
	wg       sync.WaitGroup
}

func New(config Config) *Core {
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	return &Core{
		name:   namegen.Get(),
		config: config,
		log:    config.Logger,

		sources: map[string]*nodeSource{},
		nodes:   map[uint64]*node{},
		byURL:   map[string][]*node{},
		clients: map[ClientID]*client{},

		bus:     newBus(),
		tasks:   make(chan func()),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),

		releases: workers.NewPool(config.ReleaseWorkers),
		// A single worker keeps store writes in commit order
		persists: workers.NewPool(1),
	}
}

func (c *Core) Name() namegen.ID {
	return c.name
}

// Subscribe returns a channel receiving every event committed from now on,
// in commit order. The channel is closed on shutdown or unsubscription.
func (c *Core) Subscribe() (<-chan Event, func()) {
	return c.bus.subscribe()
}

func (c *Core) Run() {
	c.log.Info("Resource manager is running", "name", c.name)

	if c.config.ClientTimeout > 0 {
		c.wg.Add(1)
		go c.watchClients()
	}

	for {
		select {
		case task := <-c.tasks:
			task()

		case <-c.stop:
			c.log.Info("Resource manager is stopping")
			c.shuttingDown = true
			for _, source := range c.sources {
				c.shutdownNodeSource(source)
			}
			c.bus.close()
			close(c.stopped)
			return
		}
	}
}

// Shutdown stops the resource manager. Node sources are removed, releasing
// the nodes of those that are not recoverable.
func (c *Core) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Wait blocks until Run has returned and every background task is done.
func (c *Core) Wait() {
	<-c.stopped
	c.wg.Wait()

	c.releases.Close()
	c.releases.Wait()
	c.persists.Close()
	c.persists.Wait()
}

// do runs f on the core goroutine and waits for it to complete.
func (c *Core) do(f func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		f()
	}

	select {
	case c.tasks <- task:
	case <-c.stopped:
		return ErrShuttingDown
	}

	<-done
	return nil
}

// background runs f on its own goroutine, tracked by Wait. It must be used
// for anything that may block or call back into the core.
func (c *Core) background(f func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
}

// persist queues a store write.
func (c *Core) persist(what string, f func(ctx context.Context, store Store) error) {
	if c.config.Store == nil {
		return
	}

	c.persists.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := f(ctx, c.config.Store); err != nil {
			c.log.Error("Failed to persist state", "operation", what, "error", err)
		}
	})
}
