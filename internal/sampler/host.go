package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/loykin/healer/internal/gpu"
)

// GPUReader reads the managed GPU. gpu.Manager satisfies it.
type GPUReader interface {
	Stats(ctx context.Context) (gpu.Stats, error)
}

// HostSource reads node metrics from the local kernel through gopsutil.
type HostSource struct {
	DiskPath string    // filesystem to report (default "/")
	GPU      GPUReader // optional
	Clock    clockwork.Clock
	Log      *slog.Logger
}

// Sample implements MetricsSource. CPU, memory and disk are required; a
// missing temperature sensor or GPU only leaves those fields at zero.
func (h *HostSource) Sample(ctx context.Context) (ResourceSample, error) {
	clock := h.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	path := h.DiskPath
	if path == "" {
		path = "/"
	}

	var rs ResourceSample
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return rs, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) > 0 {
		rs.CPU = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return rs, fmt.Errorf("virtual memory: %w", err)
	}
	rs.RAM = vm.UsedPercent
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return rs, fmt.Errorf("disk usage %s: %w", path, err)
	}
	rs.Disk = Disk{Used: du.Used, Free: du.Free, Percent: du.UsedPercent}

	temps, err := sensors.TemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		log.Debug("temperature sensors unavailable", "error", err)
	}
	for _, t := range temps {
		if t.Temperature > rs.Temperature {
			rs.Temperature = t.Temperature
		}
	}

	if h.GPU != nil {
		st, err := h.GPU.Stats(ctx)
		switch {
		case err == nil:
			rs.GPU = st.Utilization
			if st.Temperature > rs.Temperature {
				rs.Temperature = st.Temperature
			}
		case errors.Is(err, gpu.ErrNoGPU):
		default:
			log.Debug("gpu stats unavailable", "error", err)
		}
	}
	rs.At = clock.Now()
	return rs, nil
}

// interface guard
var _ MetricsSource = (*HostSource)(nil)

// Warmup primes gopsutil's cpu counters so the first non-blocking
// Percent call has a baseline to diff against.
func (h *HostSource) Warmup(ctx context.Context) {
	_, _ = cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
}
