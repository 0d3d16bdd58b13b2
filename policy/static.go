package policy

import (
	"log/slog"
)

type StaticConfig struct {
	Access Access
	Logger *slog.Logger
}

// Static acquires every node once, when the node source is deployed.
type Static struct {
	base
}

// Static implements Policy
var _ Policy = (*Static)(nil)

func NewStatic(config StaticConfig) *Static {
	return &Static{base: newBase(config.Access, config.Logger)}
}

func (p *Static) Describe() string {
	return "static, " + p.access.String()
}

func (p *Static) Activate(ctl Controller) error {
	ctl.AcquireAllNodes()
	return nil
}

func (*Static) Shutdown() {}
