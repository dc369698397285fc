package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/threshold"
)

// DefaultEscalateAfter is the number of consecutive critical cycles after
// which an overload is handed to critical recovery.
const DefaultEscalateAfter = 3

const (
	targetInference = "inference"
	targetGPU       = "gpu"
	// placeholder until the heaviest consumer is known
	targetHeaviest  = "heaviest"
)

// rung is one leaf step of a mitigation ladder.
type rung struct {
	action string
	target string
	fn     step
	// resolve picks the concrete rung when the target is only known at run time.
	resolve func(ctx context.Context) (rung, error)
}

// Overload mitigates resource pressure with per-resource ladders. Every
// rung is cooled down on its own.
type Overload struct {
	deps          *Deps
	escalateAfter int

	mu      sync.Mutex
	streaks map[threshold.Metric]int
}

func NewOverload(d *Deps, escalateAfter int) *Overload {
	if escalateAfter <= 0 {
		escalateAfter = DefaultEscalateAfter
	}
	return &Overload{deps: d, escalateAfter: escalateAfter, streaks: make(map[threshold.Metric]int)}
}

func (h *Overload) Category() ledger.Category { return ledger.Overload }

// Streaks returns the consecutive critical cycle count per metric.
func (h *Overload) Streaks() map[threshold.Metric]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[threshold.Metric]int, len(h.streaks))
	for m, n := range h.streaks {
		out[m] = n
	}
	return out
}

func (h *Overload) Evaluate(ctx context.Context, c *Cycle) *Plan {
	// a stale sample says nothing new about pressure; streaks stay as they are
	if c.Resources.Stale {
		return nil
	}
	ladders, escalated, claims := h.assess(c)

	if len(ladders) == 0 && len(escalated) == 0 {
		return nil
	}
	return &Plan{
		Category: ledger.Overload,
		Reason:   fmt.Sprintf("%d overload ladder(s), %d escalation(s)", len(ladders), len(escalated)),
		Claims:   claims,
		run: func(ctx context.Context) {
			for _, rungs := range ladders {
				h.climb(ctx, c, rungs)
			}
			for _, ev := range escalated {
				target := string(ev.Metric)
				if h.deps.Ledger.OnCooldown(ledger.ActionEscalate, target) {
					h.deps.Ledger.Skip(ledger.ActionEscalate, target)
					continue
				}
				h.deps.recordOutcome(ctx, c, ledger.Overload, ledger.ActionEscalate, target, ledger.OutcomeSuccess,
					ev.String()+", handed off to critical recovery")
			}
		},
	}
}

// assess updates the streaks and picks the ladders to climb this cycle.
func (h *Overload) assess(c *Cycle) (ladders [][]rung, escalated []threshold.Event, claims []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range threshold.Metrics {
		ev, ok := threshold.Find(c.Events, m)
		if !ok || !ev.Critical() {
			h.streaks[m] = 0
		} else {
			h.streaks[m]++
			if h.streaks[m] >= h.escalateAfter {
				h.streaks[m] = 0
				escalated = append(escalated, ev)
				c.Escalate(Escalation{
					Source: ledger.Overload,
					Target: string(m),
					Reason: fmt.Sprintf("%s critical for %d consecutive cycles", ev, h.escalateAfter),
					GPU:    m == threshold.GPU || m == threshold.Temperature,
				})
			}
		}
		if !ok {
			continue
		}
		rungs := h.ladderFor(ev)
		if len(rungs) == 0 {
			continue
		}
		// a cooled down head means this overload was handled recently
		if h.deps.Ledger.OnCooldown(rungs[0].action, rungs[0].target) {
			h.deps.Ledger.Skip(rungs[0].action, rungs[0].target)
			continue
		}
		ladders = append(ladders, rungs)
		claims = append(claims, string(m))
	}
	return ladders, escalated, claims
}

// climb runs the rungs as one fallback chain. Each executed rung is
// recorded; a cooled down rung is passed over like a failed one.
func (h *Overload) climb(ctx context.Context, c *Cycle, rungs []rung) {
	steps := make([]step, len(rungs))
	for i, r := range rungs {
		steps[i] = h.leaf(c, r)
	}
	if err := ladder(steps...)(ctx); err != nil {
		h.deps.logger().Warn("overload ladder exhausted", "action", rungs[len(rungs)-1].action,
			"target", rungs[len(rungs)-1].target, "error", err)
	}
}

func (h *Overload) leaf(c *Cycle, r rung) step {
	return func(ctx context.Context) error {
		if r.resolve != nil {
			var err error
			if r, err = r.resolve(ctx); err != nil {
				h.deps.logger().Warn("overload rung has no target", "action", r.action, "error", err)
				return err
			}
		}
		if h.deps.Ledger.OnCooldown(r.action, r.target) {
			h.deps.Ledger.Skip(r.action, r.target)
			return errOnCooldown
		}
		err := h.deps.call(ctx, r.fn)
		h.deps.record(ctx, c, ledger.Overload, r.action, r.target, err)
		return err
	}
}

// ladderFor returns the rungs for an event, least invasive first. Rungs
// whose collaborator is not configured are left out.
func (h *Overload) ladderFor(ev threshold.Event) []rung {
	var out []rung
	add := func(r rung, ok bool) {
		if ok {
			out = append(out, r)
		}
	}
	switch ev.Metric {
	case threshold.CPU:
		if !ev.Critical() {
			return nil
		}
		add(h.cacheClear())
		add(h.restartInference())
	case threshold.RAM:
		if !ev.Critical() {
			return nil
		}
		add(h.cacheClear())
		add(h.inferenceCall(ledger.ActionSessionReset, func(i Inference) step { return i.ResetSession }))
		add(h.inferenceCall(ledger.ActionUnload, func(i Inference) step { return i.Unload }))
		add(h.restartHeaviest())
	case threshold.GPU:
		if !ev.Critical() {
			return nil
		}
		add(h.inferenceCall(ledger.ActionSessionReset, func(i Inference) step { return i.ResetSession }))
		add(h.restartInference())
	case threshold.Temperature:
		add(h.inferenceCall(ledger.ActionThrottle, func(i Inference) step {
			return func(ctx context.Context) error { return i.Throttle(ctx, true) }
		}))
		if h.deps.GPU != nil {
			add(rung{action: ledger.ActionGPUThrottle, target: targetGPU, fn: h.deps.GPU.Throttle}, true)
		}
		if ev.Critical() {
			add(h.restartInference())
		}
	case threshold.Disk:
		if ev.Level < threshold.LevelCleanup || h.deps.Cleaner == nil {
			return nil
		}
		add(rung{action: ledger.ActionDiskCleanup, target: h.deps.node(), fn: func(ctx context.Context) error {
			_, err := h.deps.Cleaner.Clean(ctx)
			return err
		}}, true)
	}
	return out
}

func (h *Overload) cacheClear() (rung, bool) {
	return h.inferenceCall(ledger.ActionCacheClear, func(i Inference) step { return i.ClearCache })
}

func (h *Overload) inferenceCall(action string, pick func(Inference) step) (rung, bool) {
	inf := h.deps.Inference
	if inf == nil || !inf.Enabled() {
		return rung{}, false
	}
	return rung{action: action, target: targetInference, fn: pick(inf)}, true
}

func (h *Overload) restartInference() (rung, bool) {
	svc, ok := h.deps.service(h.deps.InferenceService)
	if !ok || h.deps.Control == nil {
		return rung{}, false
	}
	return h.restart(svc), true
}

func (h *Overload) restart(svc sampler.Service) rung {
	return rung{action: ledger.ActionRestart, target: svc.Name, fn: func(ctx context.Context) error {
		return h.deps.Control.Restart(ctx, svc)
	}}
}

// restartHeaviest restarts the application tier service using the most
// memory. The service is picked when the rung runs, and the cooldown and
// audit record are keyed on it.
func (h *Overload) restartHeaviest() (rung, bool) {
	if h.deps.Control == nil {
		return rung{}, false
	}
	hasApp := false
	for _, s := range h.deps.Services {
		if s.Tier == sampler.TierApplication {
			hasApp = true
			break
		}
	}
	if !hasApp {
		return rung{}, false
	}
	return rung{action: ledger.ActionRestart, target: targetHeaviest, resolve: func(ctx context.Context) (rung, error) {
		svc, err := h.heaviest(ctx)
		if err != nil {
			return rung{action: ledger.ActionRestart, target: targetHeaviest}, err
		}
		h.deps.logger().Info("restarting heaviest consumer", "service", svc.Name)
		return h.restart(svc), nil
	}}, true
}

func (h *Overload) heaviest(ctx context.Context) (sampler.Service, error) {
	var (
		best  sampler.Service
		most  uint64
		found bool
	)
	for _, s := range h.deps.Services {
		if s.Tier != sampler.TierApplication {
			continue
		}
		n, err := h.deps.Control.Memory(ctx, s)
		if err != nil {
			h.deps.logger().Debug("memory query failed", "service", s.Name, "error", err)
			continue
		}
		if !found || n > most {
			best, most, found = s, n, true
		}
	}
	if !found {
		return sampler.Service{}, errors.New("no application service reported memory usage")
	}
	return best, nil
}
