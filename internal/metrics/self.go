package metrics

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// SelfCollector samples the healer process itself so a runaway engine shows
// up on the same dashboard as the services it supervises.
type SelfCollector struct {
	proc     *process.Process
	interval time.Duration
	log      *slog.Logger
}

// NewSelfCollector binds to the current process.
func NewSelfCollector(interval time.Duration, log *slog.Logger) (*SelfCollector, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SelfCollector{proc: p, interval: interval, log: log}, nil
}

// Collect takes one sample and updates the self gauges.
func (c *SelfCollector) Collect(ctx context.Context) error {
	cpu, err := c.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return err
	}
	mem, err := c.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return err
	}
	if regOK.Load() {
		selfCPU.Set(cpu)
		selfRSS.Set(float64(mem.RSS))
	}
	return nil
}

// Run samples until ctx is cancelled.
func (c *SelfCollector) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		if err := c.Collect(ctx); err != nil && ctx.Err() == nil {
			c.log.Debug("self metrics sample failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
