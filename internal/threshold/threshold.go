package threshold

import (
	"errors"
	"fmt"

	"github.com/loykin/healer/internal/sampler"
)

// ErrInvalid is returned by Validate for inconsistent bounds.
var ErrInvalid = errors.New("invalid threshold")

// Metric names a sampled resource.
type Metric string

const (
	CPU         Metric = "cpu"
	RAM         Metric = "ram"
	GPU         Metric = "gpu"
	Temperature Metric = "temperature"
	Disk        Metric = "disk"
)

// Metrics lists every metric in evaluation order.
var Metrics = []Metric{CPU, RAM, GPU, Temperature, Disk}

// Level is the severity of an overload event. Cleanup and Reboot only
// apply to disk.
type Level int

const (
	LevelWarning Level = iota + 1
	LevelCleanup
	LevelCritical
	LevelReboot
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCleanup:
		return "cleanup"
	case LevelCritical:
		return "critical"
	case LevelReboot:
		return "reboot"
	default:
		return "none"
	}
}

// Bounds is a {warning, critical} pair. A value at or above the bound
// triggers the level.
type Bounds struct {
	Warning  float64 `mapstructure:"warning" json:"warning"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

// DiskBounds are the disk usage percentages. Reboot is the Category D
// trigger; RebootOverride is the level above which the reboot loop guard
// is bypassed.
type DiskBounds struct {
	Warning        float64 `mapstructure:"warning" json:"warning"`
	Cleanup        float64 `mapstructure:"cleanup" json:"cleanup"`
	Critical       float64 `mapstructure:"critical" json:"critical"`
	Reboot         float64 `mapstructure:"reboot" json:"reboot"`
	RebootOverride float64 `mapstructure:"reboot_override" json:"reboot_override"`
}

type Thresholds struct {
	CPU         Bounds     `mapstructure:"cpu" json:"cpu"`
	RAM         Bounds     `mapstructure:"ram" json:"ram"`
	GPU         Bounds     `mapstructure:"gpu" json:"gpu"`
	Temperature Bounds     `mapstructure:"temperature" json:"temperature"`
	Disk        DiskBounds `mapstructure:"disk" json:"disk"`
}

// Default returns the bounds used when nothing is configured.
func Default() Thresholds {
	return Thresholds{
		CPU:         Bounds{Warning: 80, Critical: 95},
		RAM:         Bounds{Warning: 80, Critical: 90},
		GPU:         Bounds{Warning: 85, Critical: 95},
		Temperature: Bounds{Warning: 75, Critical: 85},
		Disk:        DiskBounds{Warning: 80, Cleanup: 85, Critical: 90, Reboot: 97, RebootOverride: 97.5},
	}
}

// Validate checks ordering and ranges. Percent metrics must lie in (0,100],
// temperature in (0,150].
func (t Thresholds) Validate() error {
	pct := []struct {
		name string
		b    Bounds
	}{{"cpu", t.CPU}, {"ram", t.RAM}, {"gpu", t.GPU}}
	for _, p := range pct {
		if err := checkPair(p.name, p.b, 100); err != nil {
			return err
		}
	}
	if err := checkPair("temperature", t.Temperature, 150); err != nil {
		return err
	}
	d := t.Disk
	seq := []float64{d.Warning, d.Cleanup, d.Critical, d.Reboot, d.RebootOverride}
	for i, v := range seq {
		if v <= 0 || v > 100 {
			return fmt.Errorf("%w: disk bounds must be in (0,100], got %v", ErrInvalid, v)
		}
		if i > 0 && v < seq[i-1] {
			return fmt.Errorf("%w: disk bounds must be ordered warning <= cleanup <= critical <= reboot <= reboot_override", ErrInvalid)
		}
	}
	return nil
}

func checkPair(name string, b Bounds, max float64) error {
	if b.Warning <= 0 || b.Critical <= 0 || b.Warning > max || b.Critical > max {
		return fmt.Errorf("%w: %s bounds must be in (0,%v]", ErrInvalid, name, max)
	}
	if b.Warning > b.Critical {
		return fmt.Errorf("%w: %s warning %v above critical %v", ErrInvalid, name, b.Warning, b.Critical)
	}
	return nil
}

// Event is one overload observation.
type Event struct {
	Metric Metric  `json:"metric"`
	Level  Level   `json:"level"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
}

// Critical reports whether the event is at or above the critical level.
func (e Event) Critical() bool { return e.Level >= LevelCritical }

func (e Event) String() string {
	return fmt.Sprintf("%s %s (%.1f >= %.1f)", e.Metric, e.Level, e.Value, e.Limit)
}

// Evaluate compares a sample against the bounds and returns at most one
// event per metric, in Metrics order. It is pure: the same input always
// yields the same output. A stale sample yields no events.
func Evaluate(s sampler.ResourceSample, t Thresholds) []Event {
	if s.Stale {
		return nil
	}
	var out []Event
	add := func(m Metric, v float64, b Bounds) {
		switch {
		case v >= b.Critical:
			out = append(out, Event{Metric: m, Level: LevelCritical, Value: v, Limit: b.Critical})
		case v >= b.Warning:
			out = append(out, Event{Metric: m, Level: LevelWarning, Value: v, Limit: b.Warning})
		}
	}
	add(CPU, s.CPU, t.CPU)
	add(RAM, s.RAM, t.RAM)
	add(GPU, s.GPU, t.GPU)
	add(Temperature, s.Temperature, t.Temperature)

	d, v := t.Disk, s.Disk.Percent
	switch {
	case v > d.Reboot:
		out = append(out, Event{Metric: Disk, Level: LevelReboot, Value: v, Limit: d.Reboot})
	case v >= d.Critical:
		out = append(out, Event{Metric: Disk, Level: LevelCritical, Value: v, Limit: d.Critical})
	case v >= d.Cleanup:
		out = append(out, Event{Metric: Disk, Level: LevelCleanup, Value: v, Limit: d.Cleanup})
	case v >= d.Warning:
		out = append(out, Event{Metric: Disk, Level: LevelWarning, Value: v, Limit: d.Warning})
	}
	return out
}

// Find returns the event for metric m, if any.
func Find(events []Event, m Metric) (Event, bool) {
	for _, e := range events {
		if e.Metric == m {
			return e, true
		}
	}
	return Event{}, false
}
