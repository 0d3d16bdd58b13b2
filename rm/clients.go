package rm

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type ClientID string

type client struct {
	id       ClientID
	name     string
	lastSeen time.Time
}

// Connect opens a session for a user. Nodes handed to the session are
// released when it disconnects or stops sending heartbeats.
func (c *Core) Connect(name string) (ClientID, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("client name is required")
	}

	id := ClientID(uuid.NewString())
	err := c.do(func() {
		c.clients[id] = &client{id: id, name: name, lastSeen: time.Now()}
		c.log.Debug("Client connected", "client", name, "id", id)
	})
	return id, err
}

func (c *Core) Heartbeat(id ClientID) error {
	var opErr error
	if err := c.do(func() { _, opErr = c.touchClient(id) }); err != nil {
		return err
	}
	return opErr
}

// Disconnect closes a session: its busy nodes become free and the ones
// marked to be removed are removed.
func (c *Core) Disconnect(id ClientID) error {
	var opErr error
	if err := c.do(func() {
		cl, ok := c.clients[id]
		if !ok {
			opErr = fmt.Errorf("%w '%s'", ErrUnknownClient, id)
			return
		}
		c.disconnect(cl)
	}); err != nil {
		return err
	}
	return opErr
}

func (c *Core) touchClient(id ClientID) (*client, error) {
	cl, ok := c.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownClient, id)
	}
	cl.lastSeen = time.Now()
	return cl, nil
}

func (c *Core) disconnect(cl *client) {
	delete(c.clients, cl.id)

	owned := lo.Filter(lo.Values(c.nodes), func(n *node, _ int) bool { return n.owner == cl })
	slices.SortFunc(owned, func(a, b *node) int { return cmp.Compare(a.instance, b.instance) })
	for _, n := range owned {
		_ = c.apply(n, eventRelease, nil)
		// down nodes keep no owner either
		n.owner = nil
	}

	c.log.Info("Client disconnected", "client", cl.name, "released", len(owned))
}

// watchClients disconnects the clients that stopped sending heartbeats.
func (c *Core) watchClients() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ClientPingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.do(func() {
				now := time.Now()
				for _, cl := range c.clients {
					if now.Sub(cl.lastSeen) > c.config.ClientTimeout {
						c.log.Warn("Client lost, releasing its nodes", "client", cl.name, "last-seen", cl.lastSeen)
						c.disconnect(cl)
					}
				}
			})
		case <-c.stop:
			return
		}
	}
}
