package engine

import (
	"time"

	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/probe"
	"github.com/loykin/healer/internal/recovery"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/threshold"
)

// PlanView is a plan as shown to status consumers.
type PlanView struct {
	Category ledger.Category `json:"category"`
	Reason   string          `json:"reason"`
}

// Snapshot is the read-only picture of the last finished cycle.
type Snapshot struct {
	Cycle          string                          `json:"cycle"`
	Cycles         uint64                          `json:"cycles"`
	At             time.Time                       `json:"at"`
	Duration       time.Duration                   `json:"duration"`
	Resources      sampler.ResourceSample          `json:"resources"`
	Events         []threshold.Event               `json:"events"`
	Health         []sampler.HealthSample          `json:"health"`
	Probes         []probe.Result                  `json:"failed_probes,omitempty"`
	Services       map[string]recovery.ServiceView `json:"services"`
	Streaks        map[threshold.Metric]int        `json:"critical_streaks"`
	Plans          []PlanView                      `json:"plans"`
	DBInconsistent bool                            `json:"db_inconsistent"`
	GPULost        bool                            `json:"gpu_lost"`
	Panicked       bool                            `json:"panicked,omitempty"`
}

func (e *Engine) publish(c *recovery.Cycle, plans []*recovery.Plan, took time.Duration, panicked bool) Snapshot {
	s := Snapshot{
		Cycle:          c.ID,
		At:             c.At,
		Duration:       took,
		Resources:      c.Resources,
		Events:         c.Events,
		Health:         c.Health,
		Probes:         c.Probes,
		Services:       e.down.States(),
		Streaks:        e.overload.Streaks(),
		DBInconsistent: e.dbInconsistent,
		GPULost:        e.gpuLost,
		Panicked:       panicked,
	}
	for _, p := range plans {
		s.Plans = append(s.Plans, PlanView{Category: p.Category, Reason: p.Reason})
	}
	e.mu.Lock()
	e.cycles++
	s.Cycles = e.cycles
	e.snap = s
	e.mu.Unlock()
	return s
}

// Snapshot returns the last published cycle. Safe for concurrent use.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Alive reports whether a cycle finished within three intervals.
func (e *Engine) Alive() bool {
	e.mu.RLock()
	at := e.snap.At
	e.mu.RUnlock()
	if at.IsZero() {
		return false
	}
	return e.clock.Since(at) < 3*e.cfg.Interval
}
