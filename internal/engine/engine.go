package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/loykin/healer/internal/gpu"
	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/metrics"
	"github.com/loykin/healer/internal/probe"
	"github.com/loykin/healer/internal/recovery"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/store"
	"github.com/loykin/healer/internal/threshold"
)

// DefaultInterval is the healing cycle period.
const DefaultInterval = 10 * time.Second

// Config tunes the loop and the escalation policy.
type Config struct {
	Interval            time.Duration        `mapstructure:"interval"`
	ConsecutiveFailures int                  `mapstructure:"consecutive_failures"`
	EscalateAfter       int                  `mapstructure:"escalate_after"`
	Thresholds          threshold.Thresholds `mapstructure:"thresholds"`
}

// GPUHealth reports a permanently failed device with gpu.ErrGPULost.
type GPUHealth interface {
	Health(ctx context.Context) error
}

// Engine owns the healing loop and every piece of cross-cycle state that is
// not persisted. It is built once at startup.
type Engine struct {
	cfg      Config
	sampler  *sampler.Sampler
	deps     *recovery.Deps
	down     *recovery.ServiceDown
	overload *recovery.Overload
	arbiter  *recovery.RebootArbiter
	handlers []recovery.Handler
	probes   []probe.Named
	gpu      GPUHealth
	clock    clockwork.Clock
	log      *slog.Logger

	// carried between cycles, loop goroutine only
	dbInconsistent bool
	gpuLost        bool

	mu     sync.RWMutex
	snap   Snapshot
	cycles uint64
}

type Option func(*Engine)

func WithProbes(p ...probe.Named) Option { return func(e *Engine) { e.probes = append(e.probes, p...) } }

func WithGPUHealth(g GPUHealth) Option { return func(e *Engine) { e.gpu = g } }

func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New wires the four tiers in severity order. arbiter may be nil when the
// node has no reboot capability at all.
func New(cfg Config, s *sampler.Sampler, d *recovery.Deps, arbiter *recovery.RebootArbiter, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	e := &Engine{
		cfg:     cfg,
		sampler: s,
		deps:    d,
		arbiter: arbiter,
		clock:   d.Ledger.Clock(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.down = recovery.NewServiceDown(d, cfg.ConsecutiveFailures)
	e.overload = recovery.NewOverload(d, cfg.EscalateAfter)
	e.handlers = []recovery.Handler{e.down, e.overload, recovery.NewCritical(d)}
	if arbiter != nil {
		e.handlers = append(e.handlers, arbiter)
	}
	return e
}

// Run drives the loop until ctx is cancelled. A cancelled ctx never cuts an
// iteration short: the running one finishes and Run returns after it.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("healing loop started", "interval", e.cfg.Interval, "handlers", len(e.handlers))
	work := context.WithoutCancel(ctx)
	e.ValidateReboot(work)

	t := e.clock.NewTicker(e.cfg.Interval)
	defer t.Stop()
	e.RunOnce(work)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("healing loop stopped")
			return nil
		case <-t.Chan():
			e.RunOnce(work)
		}
	}
}

// ValidateReboot consumes a pending reboot state, if any.
func (e *Engine) ValidateReboot(ctx context.Context) {
	if e.arbiter == nil {
		return
	}
	st, err := e.arbiter.ValidatePending(ctx, e.sampler.Resources(ctx))
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		e.log.Warn("post-reboot validation", "error", err)
	default:
		e.log.Info("post-reboot validation done", "state", st.ID, "reason", st.Reason)
	}
}

// RunOnce performs one healing cycle. It never panics and never returns an
// error: anything unexpected is logged and the next cycle proceeds.
func (e *Engine) RunOnce(ctx context.Context) (snap Snapshot) {
	start := e.clock.Now()
	c := &recovery.Cycle{ID: uuid.NewString(), At: start.UTC()}
	var plans []*recovery.Plan
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("healing cycle panicked", "cycle", c.ID, "panic", r, "stack", string(debug.Stack()))
			snap.Panicked = true
		}
		elapsed := e.clock.Since(start)
		metrics.ObserveCycle(elapsed.Seconds(), snap.Panicked)
		snap = e.publish(c, plans, elapsed, snap.Panicked)
	}()

	if checked, err := e.observe(ctx, c); checked {
		switch {
		case errors.Is(err, gpu.ErrGPULost):
			if !e.gpuLost {
				e.log.Error("gpu lost", "error", err)
			}
			e.gpuLost = true
		case err == nil:
			e.gpuLost = false
		}
	}
	c.DBInconsistent, c.GPULost = e.dbInconsistent, e.gpuLost
	plans = e.dispatch(ctx, c)
	for _, p := range plans {
		recovery.Execute(ctx, p)
	}
	e.dbInconsistent = e.dbInconsistent || c.DBInconsistent
	e.gpuLost = e.gpuLost || c.GPULost
	return snap
}

// observe fills the cycle with samples, events and probe results. It
// returns the GPU health result when a GPU check is configured.
func (e *Engine) observe(ctx context.Context, c *recovery.Cycle) (gpuChecked bool, gpuErr error) {
	c.Resources = e.sampler.Resources(ctx)
	c.Health = e.sampler.Services(ctx)
	c.Events = threshold.Evaluate(c.Resources, e.cfg.Thresholds)
	c.Probes = probe.Failed(probe.Run(ctx, e.probes))

	if e.gpu != nil {
		gpuChecked, gpuErr = true, e.gpu.Health(ctx)
	}

	metrics.SetStale(c.Resources.Stale)
	if !c.Resources.Stale {
		metrics.SetResource(string(threshold.CPU), c.Resources.CPU)
		metrics.SetResource(string(threshold.RAM), c.Resources.RAM)
		metrics.SetResource(string(threshold.GPU), c.Resources.GPU)
		metrics.SetResource(string(threshold.Temperature), c.Resources.Temperature)
		metrics.SetResource(string(threshold.Disk), c.Resources.Disk.Percent)
	}
	for _, h := range c.Health {
		tier := ""
		if svc, ok := e.sampler.Lookup(h.Service); ok {
			tier = string(svc.Tier)
		}
		metrics.SetServiceUp(h.Service, tier, !h.Failed())
	}
	for _, ev := range c.Events {
		e.log.Debug("overload event", "cycle", c.ID, "event", ev.String())
	}
	for _, p := range c.Probes {
		e.log.Warn("probe failed", "probe", p.Name, "kind", p.Kind, "error", p.Err)
	}
	return gpuChecked, gpuErr
}

// dispatch evaluates every tier in order A, B, C, D. A plan claiming the
// whole node preempts every other plan of this cycle.
func (e *Engine) dispatch(ctx context.Context, c *recovery.Cycle) []*recovery.Plan {
	var plans []*recovery.Plan
	for _, h := range e.handlers {
		if p := h.Evaluate(ctx, c); p != nil {
			plans = append(plans, p)
		}
	}
	for _, p := range plans {
		if p.ClaimsNode() && len(plans) > 1 {
			dropped := make([]string, 0, len(plans)-1)
			for _, o := range plans {
				if o != p {
					dropped = append(dropped, string(o.Category))
				}
			}
			e.log.Info("node wide plan preempts the cycle", "category", p.Category, "dropped", strings.Join(dropped, ","))
			return []*recovery.Plan{p}
		}
	}
	return plans
}

// Check runs one observation pass without acting and returns an error
// describing every unhealthy finding.
func (e *Engine) Check(ctx context.Context) error {
	c := &recovery.Cycle{At: e.clock.Now().UTC()}
	_, gpuErr := e.observe(ctx, c)
	var problems []string
	if c.Resources.Stale {
		problems = append(problems, "resource metrics unavailable")
	}
	for _, h := range c.Health {
		if h.Failed() {
			problems = append(problems, fmt.Sprintf("service %s %s", h.Service, h.Status))
		}
	}
	for _, ev := range c.Events {
		if ev.Critical() {
			problems = append(problems, ev.String())
		}
	}
	for _, p := range c.Probes {
		problems = append(problems, fmt.Sprintf("probe %s: %s", p.Name, p.Err))
	}
	if errors.Is(gpuErr, gpu.ErrGPULost) {
		problems = append(problems, "gpu lost")
	}
	if len(problems) > 0 {
		return fmt.Errorf("unhealthy: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Ledger exposes the failure ledger for read-only consumers.
func (e *Engine) Ledger() *ledger.Ledger { return e.deps.Ledger }

func (e *Engine) Interval() time.Duration { return e.cfg.Interval }
