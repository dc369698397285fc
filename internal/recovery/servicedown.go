package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/sampler"
)

// DefaultConsecutiveFailures is the number of failed checks in a row that
// crosses the service-down threshold.
const DefaultConsecutiveFailures = 3

// ServiceState is the tagged per-service state of the service-down tier.
type ServiceState string

const (
	StateHealthy    ServiceState = "healthy"
	StateSuspect    ServiceState = "suspect"
	StateRecovering ServiceState = "recovering"
	StateEscalated  ServiceState = "escalated"
)

type tracker struct {
	state       ServiceState
	consecutive int
}

// ServiceView is a read-only copy of a tracker.
type ServiceView struct {
	State       ServiceState `json:"state"`
	Consecutive int          `json:"consecutive"`
}

// ServiceDown restarts failing services with an escalating ladder keyed by
// the persisted failure count: restart, then stop-then-start, then a
// hand-off to critical recovery.
type ServiceDown struct {
	deps      *Deps
	threshold int

	mu       sync.Mutex
	trackers map[string]*tracker
}

func NewServiceDown(d *Deps, consecutive int) *ServiceDown {
	if consecutive <= 0 {
		consecutive = DefaultConsecutiveFailures
	}
	return &ServiceDown{deps: d, threshold: consecutive, trackers: make(map[string]*tracker)}
}

func (h *ServiceDown) Category() ledger.Category { return ledger.ServiceDown }

// States returns a copy of every tracked service state.
func (h *ServiceDown) States() map[string]ServiceView {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]ServiceView, len(h.trackers))
	for name, t := range h.trackers {
		out[name] = ServiceView{State: t.state, Consecutive: t.consecutive}
	}
	return out
}

type downTask struct {
	svc  sampler.Service
	step int // failure count including this crossing
}

func (h *ServiceDown) Evaluate(ctx context.Context, c *Cycle) *Plan {
	health := append([]sampler.HealthSample(nil), c.Health...)
	sort.Slice(health, func(i, j int) bool { return health[i].Service < health[j].Service })

	tasks, resolved, fresh, claims := h.track(ctx, c, health)
	// records left open by a previous run are closed on first sight
	for _, name := range fresh {
		h.deps.Ledger.Resolve(ctx, name)
	}
	if len(tasks) == 0 && len(resolved) == 0 {
		return nil
	}
	return &Plan{
		Category: ledger.ServiceDown,
		Reason:   fmt.Sprintf("%d service(s) down", len(tasks)),
		Claims:   claims,
		run: func(ctx context.Context) {
			for _, name := range resolved {
				h.deps.Ledger.Resolve(ctx, name)
			}
			for _, t := range tasks {
				h.recover(ctx, c, t)
			}
		},
	}
}

// track advances the per-service state machines. fresh lists services seen
// healthy for the first time by this process.
func (h *ServiceDown) track(ctx context.Context, c *Cycle, health []sampler.HealthSample) (tasks []downTask, resolved, fresh, claims []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, hs := range health {
		t, ok := h.trackers[hs.Service]
		if !ok {
			t = &tracker{state: StateHealthy}
			h.trackers[hs.Service] = t
		}
		if !hs.Failed() {
			switch {
			case !ok:
				fresh = append(fresh, hs.Service)
			case t.state != StateHealthy:
				resolved = append(resolved, hs.Service)
			}
			t.state, t.consecutive = StateHealthy, 0
			continue
		}
		t.consecutive++
		if t.consecutive < h.threshold {
			if t.state == StateHealthy {
				t.state = StateSuspect
			}
			continue
		}
		// threshold crossed: one action per crossing
		t.consecutive = 0
		svc, known := h.deps.service(hs.Service)
		if !known {
			svc = sampler.Service{Name: hs.Service, Tier: sampler.TierApplication}
		}
		if svc.Tier == sampler.TierSelf {
			h.deps.logger().Warn("self service failing, not restarting itself", "service", svc.Name, "status", hs.Status)
			continue
		}
		step := h.deps.Ledger.FailureCount(ctx, svc.Name) + 1
		if step >= ledger.EscalationCount {
			t.state = StateEscalated
			c.Escalate(Escalation{
				Source: ledger.ServiceDown,
				Target: svc.Name,
				Reason: fmt.Sprintf("service %s failed %d times within %s", svc.Name, step, h.deps.Ledger.Window()),
			})
		} else {
			t.state = StateRecovering
		}
		tasks = append(tasks, downTask{svc: svc, step: step})
		claims = append(claims, svc.Name)
	}
	return tasks, resolved, fresh, claims
}

func (h *ServiceDown) recover(ctx context.Context, c *Cycle, t downTask) {
	d := h.deps
	name := t.svc.Name
	d.Ledger.RecordFailure(ctx, name, ledger.ServiceDown)
	switch {
	case t.step >= ledger.EscalationCount:
		if d.Ledger.OnCooldown(ledger.ActionEscalate, name) {
			d.Ledger.Skip(ledger.ActionEscalate, name)
			return
		}
		d.recordOutcome(ctx, c, ledger.ServiceDown, ledger.ActionEscalate, name, ledger.OutcomeSuccess,
			fmt.Sprintf("failure %d, handed off to critical recovery", t.step))
	case t.step == 2:
		stopErr := d.call(ctx, func(ctx context.Context) error { return d.Control.Stop(ctx, t.svc) })
		startErr := d.call(ctx, func(ctx context.Context) error { return d.Control.Start(ctx, t.svc) })
		d.record(ctx, c, ledger.ServiceDown, ledger.ActionStopStart, name, errors.Join(stopErr, startErr))
	default:
		err := d.call(ctx, func(ctx context.Context) error { return d.Control.Restart(ctx, t.svc) })
		d.record(ctx, c, ledger.ServiceDown, ledger.ActionRestart, name, err)
	}
}
