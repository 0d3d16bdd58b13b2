package policy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type CronConfig struct {
	Access Access
	Logger *slog.Logger
	// Acquire and Remove are standard five-field cron expressions.
	Acquire    string
	Remove     string
	Preemptive bool
}

// Cron acquires every node on one schedule and removes them all on another.
type Cron struct {
	base
	config CronConfig

	acquire cron.Schedule
	remove  cron.Schedule
	cron    *cron.Cron
	now     func() time.Time
}

// Cron implements Policy
var _ Policy = (*Cron)(nil)

func NewCron(config CronConfig) (*Cron, error) {
	acquire, err := cron.ParseStandard(config.Acquire)
	if err != nil {
		return nil, fmt.Errorf("invalid acquire schedule '%s': %w", config.Acquire, err)
	}
	remove, err := cron.ParseStandard(config.Remove)
	if err != nil {
		return nil, fmt.Errorf("invalid remove schedule '%s': %w", config.Remove, err)
	}

	return &Cron{
		base:    newBase(config.Access, config.Logger),
		config:  config,
		acquire: acquire,
		remove:  remove,
		cron:    cron.New(),
		now:     time.Now,
	}, nil
}

func (p *Cron) Describe() string {
	return fmt.Sprintf("acquire at '%s', remove at '%s' (preemptive: %t), %s", p.config.Acquire, p.config.Remove, p.config.Preemptive, p.access)
}

// Present reports whether nodes should be present at t, that is whether the
// next removal comes before the next acquisition.
func (p *Cron) Present(t time.Time) bool {
	return p.remove.Next(t).Before(p.acquire.Next(t))
}

func (p *Cron) Activate(ctl Controller) error {
	p.cron.Schedule(p.acquire, cron.FuncJob(func() {
		p.log.Info("Acquisition schedule reached, acquiring nodes")
		ctl.AcquireAllNodes()
	}))
	p.cron.Schedule(p.remove, cron.FuncJob(func() {
		p.log.Info("Removal schedule reached, removing nodes")
		ctl.RemoveAllNodes(p.config.Preemptive)
	}))

	if p.Present(p.now()) {
		ctl.AcquireAllNodes()
	}

	p.cron.Start()
	return nil
}

func (p *Cron) Shutdown() {
	<-p.cron.Stop().Done()
}
