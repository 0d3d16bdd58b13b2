package rm

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Store persists recoverable node sources and the URLs of their nodes.
// Saving must be idempotent.
type Store interface {
	SaveNodeSource(ctx context.Context, definition NodeSourceDefinition) error
	DeleteNodeSource(ctx context.Context, name string) error
	SaveNode(ctx context.Context, source string, url string) error
	DeleteNode(ctx context.Context, source string, url string) error
	Load(ctx context.Context) ([]RecoveredNodeSource, error)
}

type RecoveredNodeSource struct {
	Definition NodeSourceDefinition `json:"definition" yaml:"definition"`
	Nodes      []string             `json:"nodes" yaml:"nodes"`
}

// Recover redeploys the node sources found in the store. Nodes that are
// still reachable are registered again, the others are forgotten.
func (c *Core) Recover(ctx context.Context) error {
	if c.config.Store == nil {
		return nil
	}

	recovered, err := c.config.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load recoverable node sources: %w", err)
	}

	var errs []error
	for _, r := range recovered {
		if err := c.recover(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("failed to recover node source '%s': %w", r.Definition.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Core) recover(ctx context.Context, r RecoveredNodeSource) error {
	r.Definition.Recoverable = true

	source, err := c.buildNodeSource(r.Definition)
	if err != nil {
		return err
	}
	if err := c.addNodeSource(source); err != nil {
		c.discardNodeSource(source)
		return err
	}

	for _, url := range r.Nodes {
		handle, err := source.infra.LookupNode(ctx, url)
		if err != nil {
			source.log.Warn("Forgetting unreachable node", "node", url, "error", err)
			name := source.definition.Name
			c.persist("delete node", func(ctx context.Context, store Store) error {
				return store.DeleteNode(ctx, name, url)
			})
			continue
		}

		var opErr error
		if err := c.do(func() { _, opErr = c.register(source, handle, source.definition.Administrator) }); err != nil {
			return err
		}
		if opErr != nil {
			source.log.Warn("Failed to recover node", "node", url, "error", opErr)
			if closer, ok := handle.(io.Closer); ok {
				_ = closer.Close()
			}
		}
	}

	source.log.Info("Node source recovered", "nodes", len(r.Nodes))
	return c.DeployNodeSource(source.definition.Name)
}
