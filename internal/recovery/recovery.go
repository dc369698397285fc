package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/probe"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/threshold"
)

// ClaimNode is the claim of a plan that takes the whole node down.
const ClaimNode = "*"

// DefaultActionTimeout bounds a single remediation call.
const DefaultActionTimeout = 60 * time.Second

// errOnCooldown marks a ladder step skipped because of its cooldown. The
// ladder advances past it like past a failed step.
var errOnCooldown = errors.New("on cooldown")

// Controller drives service lifecycle through the container runtime.
type Controller interface {
	Restart(ctx context.Context, svc sampler.Service) error
	Stop(ctx context.Context, svc sampler.Service) error
	Start(ctx context.Context, svc sampler.Service) error
	Memory(ctx context.Context, svc sampler.Service) (uint64, error)
}

// Inference is the graceful management interface of the inference service.
type Inference interface {
	Enabled() bool
	ClearCache(ctx context.Context) error
	ResetSession(ctx context.Context) error
	Unload(ctx context.Context) error
	Throttle(ctx context.Context, enable bool) error
}

// GPU is the subset of the GPU subsystem used by the handlers.
type GPU interface {
	Reset(ctx context.Context) error
	Throttle(ctx context.Context) error
}

// Pruner reclaims runtime owned disk space.
type Pruner interface {
	Prune(ctx context.Context) (uint64, error)
}

// Maintainer runs database integrity maintenance.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Escalation hands a problem from A or B over to critical recovery.
type Escalation struct {
	Source ledger.Category
	Target string
	Reason string
	GPU    bool
}

// Cycle is the state of one healing iteration shared by every handler.
type Cycle struct {
	ID        string
	At        time.Time
	Resources sampler.ResourceSample
	Events    []threshold.Event
	Health    []sampler.HealthSample
	// Probes holds the failed cross-cutting probes.
	Probes []probe.Result

	// Conditions carried across cycles by the engine.
	DBInconsistent bool
	GPULost        bool

	escalations []Escalation
}

func (c *Cycle) Escalate(e Escalation) { c.escalations = append(c.escalations, e) }

func (c *Cycle) Escalations() []Escalation { return c.escalations }

// Plan is a handler decision for this cycle. Evaluate builds plans without
// side effects on the node; Execute carries them out.
type Plan struct {
	Category ledger.Category
	Reason   string
	// Claims lists conditions this plan handles exclusively. ClaimNode
	// preempts every other plan of the cycle.
	Claims []string
	run    func(ctx context.Context)
}

func (p *Plan) ClaimsNode() bool {
	for _, c := range p.Claims {
		if c == ClaimNode {
			return true
		}
	}
	return false
}

// Handler is one severity tier.
type Handler interface {
	Category() ledger.Category
	Evaluate(ctx context.Context, c *Cycle) *Plan
}

// Execute runs a plan.
func Execute(ctx context.Context, p *Plan) {
	if p != nil && p.run != nil {
		p.run(ctx)
	}
}

// Deps are the collaborators shared by the handlers.
type Deps struct {
	Ledger    *ledger.Ledger
	Services  []sampler.Service
	Control   Controller
	Inference Inference
	GPU       GPU
	Cleaner   *Cleaner
	Store     Maintainer
	Log       *slog.Logger
	// Node is the audit target of node wide actions.
	Node string
	// InferenceService names the service restarted when graceful inference
	// calls fail.
	InferenceService string
	ActionTimeout    time.Duration
}

func (d *Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

func (d *Deps) timeout() time.Duration {
	if d.ActionTimeout <= 0 {
		return DefaultActionTimeout
	}
	return d.ActionTimeout
}

// call runs fn under the action timeout.
func (d *Deps) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	return fn(cctx)
}

func (d *Deps) service(name string) (sampler.Service, bool) {
	for _, s := range d.Services {
		if s.Name == name {
			return s, true
		}
	}
	return sampler.Service{}, false
}

func (d *Deps) node() string {
	if d.Node == "" {
		return "node"
	}
	return d.Node
}

// record writes an executed action for this cycle, failed when err is set.
func (d *Deps) record(ctx context.Context, c *Cycle, cat ledger.Category, action, target string, err error) ledger.RecoveryAction {
	if err != nil {
		return d.recordOutcome(ctx, c, cat, action, target, ledger.OutcomeFailed, err.Error())
	}
	return d.recordOutcome(ctx, c, cat, action, target, ledger.OutcomeSuccess, "")
}

func (d *Deps) recordOutcome(ctx context.Context, c *Cycle, cat ledger.Category, action, target, outcome, detail string) ledger.RecoveryAction {
	return d.Ledger.Record(ctx, ledger.RecoveryAction{
		ActionType:        action,
		Target:            target,
		Severity:          string(cat),
		Outcome:           outcome,
		Detail:            detail,
		TriggeringEventID: c.ID,
	})
}
