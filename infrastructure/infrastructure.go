// Package infrastructure defines the contract between the resource manager
// and the back-ends that deploy nodes for a node source.
package infrastructure

import "context"

type Node interface {
	// URL uniquely identifies the node while it is alive.
	URL() string
	Host() string
	// Ping returns an error when the node does not answer.
	Ping(ctx context.Context) error
}

// Registrar receives the outcome of asynchronous acquisitions.
type Registrar interface {
	// Register hands a freshly deployed node over to the resource manager.
	// When it fails, the infrastructure must release the node immediately.
	Register(node Node) error
	// AcquisitionFailed reports a deployment that exhausted its retries.
	AcquisitionFailed(err error)
}

type Infrastructure interface {
	Describe() string

	// Start must be called once before any acquisition is requested.
	Start(registrar Registrar)

	// TargetNodes is the number of nodes the infrastructure is configured for.
	TargetNodes() int

	// AcquireNodes queues n acquisitions and returns without waiting.
	AcquireNodes(n int)

	// ReleaseNode frees the resources backing a node.
	ReleaseNode(ctx context.Context, node Node) error

	// LookupNode resolves a node that was not deployed by this infrastructure,
	// either added by hand or recovered after a restart.
	LookupNode(ctx context.Context, url string) (Node, error)

	// Shutdown stops pending acquisitions and their retries.
	Shutdown()
	// Wait blocks until every deployment worker has exited.
	// It must not return before Shutdown has been called.
	Wait()
}
