// Package policy decides when a node source grows or shrinks.
package policy

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/gammadia/warden/internal/params"
)

// NodeRef designates one node instance. The URL alone is not enough: a URL
// can be registered again once its previous node is gone.
type NodeRef struct {
	URL      string
	Instance uint64
}

func (ref NodeRef) String() string {
	return fmt.Sprintf("%s#%d", ref.URL, ref.Instance)
}

// Controller is the node source a policy drives. Every command is
// idempotent and safe to call from any goroutine.
type Controller interface {
	AcquireNodes(n int)
	// AcquireAllNodes acquires up to the infrastructure target.
	AcquireAllNodes()
	RemoveAllNodes(preemptive bool)
	// RestartDownNode releases a node that went down and acquires a
	// replacement. It does nothing if the node is no longer down.
	RestartDownNode(ref NodeRef)
}

type Policy interface {
	Describe() string
	Access() Access
	// Activate is called once the node source is deployed.
	Activate(ctl Controller) error
	// NodeDown is called after a node of the source went down.
	NodeDown(ref NodeRef)
	// Shutdown cancels every pending trigger and waits for running ones.
	Shutdown()
}

// base carries what every policy shares
type base struct {
	access Access
	log    *slog.Logger
}

func newBase(access Access, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return base{access: access, log: logger}
}

func (b *base) Access() Access {
	return b.access
}

func (*base) NodeDown(NodeRef) {}

// parseAccess reads the two leading parameters every policy accepts.
func parseAccess(p params.Params) (Access, error) {
	users, err := ParseRule(p.String(0, All))
	if err != nil {
		return Access{}, fmt.Errorf("user access: %w", err)
	}
	providers, err := ParseRule(p.String(1, Me))
	if err != nil {
		return Access{}, fmt.Errorf("provider access: %w", err)
	}
	return Access{Users: users, Providers: providers}, nil
}
