package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type TimeSlotConfig struct {
	Access Access
	Logger *slog.Logger
	// Period is how long nodes stay present, then absent.
	Period     time.Duration
	Preemptive bool
	// StartPresent acquires the nodes on activation.
	StartPresent bool
}

// TimeSlot alternates between acquiring every node and removing them all,
// spending Period in each phase.
type TimeSlot struct {
	base
	config TimeSlotConfig

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// TimeSlot implements Policy
var _ Policy = (*TimeSlot)(nil)

func NewTimeSlot(config TimeSlotConfig) (*TimeSlot, error) {
	if config.Period <= 0 {
		return nil, errors.New("period must be greater than 0")
	}

	return &TimeSlot{
		base:   newBase(config.Access, config.Logger),
		config: config,
		stop:   make(chan struct{}),
	}, nil
}

func (p *TimeSlot) Describe() string {
	return fmt.Sprintf("time slot of %s (preemptive: %t), %s", p.config.Period, p.config.Preemptive, p.access)
}

func (p *TimeSlot) Activate(ctl Controller) error {
	present := p.config.StartPresent
	if present {
		ctl.AcquireAllNodes()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.config.Period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if present {
					p.log.Info("Time slot ended, removing nodes")
					ctl.RemoveAllNodes(p.config.Preemptive)
				} else {
					p.log.Info("Time slot started, acquiring nodes")
					ctl.AcquireAllNodes()
				}
				present = !present

			case <-p.stop:
				return
			}
		}
	}()

	return nil
}

func (p *TimeSlot) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
