package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/healer/internal/gpu"
	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/probe"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/store"
)

// Critical is the best-effort hard recovery tier. Its steps run in a fixed
// order and a failed step never stops the ones after it.
type Critical struct {
	deps *Deps
}

func NewCritical(d *Deps) *Critical { return &Critical{deps: d} }

func (h *Critical) Category() ledger.Category { return ledger.Critical }

func (h *Critical) Evaluate(ctx context.Context, c *Cycle) *Plan {
	var (
		reasons    []string
		gpuRelated bool
	)
	for _, e := range c.Escalations() {
		reasons = append(reasons, e.Reason)
		gpuRelated = gpuRelated || e.GPU
	}
	for _, p := range c.Probes {
		reasons = append(reasons, fmt.Sprintf("probe %s (%s) failed: %s", p.Name, p.Kind, p.Err))
		gpuRelated = gpuRelated || p.Kind == probe.KindGPU
	}
	if n := h.deps.Ledger.FailureCount(ctx, ""); n >= ledger.EscalationCount {
		reasons = append(reasons, fmt.Sprintf("%d service failures within %s", n, h.deps.Ledger.Window()))
	}
	if len(reasons) == 0 {
		return nil
	}
	node := h.deps.node()
	if h.deps.Ledger.OnCooldown(ledger.ActionCriticalRecovery, node) {
		h.deps.Ledger.Skip(ledger.ActionCriticalRecovery, node)
		return nil
	}
	reason := strings.Join(reasons, "; ")
	return &Plan{
		Category: ledger.Critical,
		Reason:   reason,
		Claims:   []string{ledger.ActionCriticalRecovery},
		run:      func(ctx context.Context) { h.recover(ctx, c, reason, gpuRelated) },
	}
}

func (h *Critical) recover(ctx context.Context, c *Cycle, reason string, gpuRelated bool) {
	d := h.deps
	node := d.node()
	d.logger().Warn("critical recovery", "reason", reason, "gpu", gpuRelated)
	d.Ledger.RecordCritical(ctx, node, reason)

	failed := 0
	note := func(err error) {
		if err != nil {
			failed++
		}
	}

	// application tier only: bouncing the database or ourselves would
	// turn one failure into a recursive one
	apps := make([]sampler.Service, 0, len(d.Services))
	for _, s := range d.Services {
		if s.Tier == sampler.TierApplication {
			apps = append(apps, s)
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	if d.Control != nil {
		for _, svc := range apps {
			err := d.call(ctx, func(ctx context.Context) error { return d.Control.Restart(ctx, svc) })
			d.record(ctx, c, ledger.Critical, ledger.ActionHardRestart, svc.Name, err)
			note(err)
		}
	}

	if d.Cleaner != nil {
		err := d.call(ctx, func(ctx context.Context) error {
			_, err := d.Cleaner.Clean(ctx)
			return err
		})
		d.record(ctx, c, ledger.Critical, ledger.ActionDiskCleanup, node, err)
		note(err)
	}

	if d.Store != nil {
		err := d.call(ctx, d.Store.Maintain)
		if errors.Is(err, store.ErrInconsistent) {
			c.DBInconsistent = true
			d.logger().Error("database is inconsistent", "error", err)
		}
		d.record(ctx, c, ledger.Critical, ledger.ActionDBMaintenance, "database", err)
		note(err)
	}

	if gpuRelated && d.GPU != nil {
		err := d.call(ctx, d.GPU.Reset)
		switch {
		case errors.Is(err, gpu.ErrNoGPU):
			d.logger().Debug("gpu reset skipped, no device")
		default:
			if errors.Is(err, gpu.ErrGPULost) {
				c.GPULost = true
				d.logger().Error("gpu permanently failed", "error", err)
			}
			d.record(ctx, c, ledger.Critical, ledger.ActionGPUReset, targetGPU, err)
			note(err)
		}
	}

	outcome, detail := ledger.OutcomeSuccess, reason
	if failed > 0 {
		outcome = ledger.OutcomePartial
		detail = fmt.Sprintf("%s (%d step(s) failed)", reason, failed)
	}
	d.recordOutcome(ctx, c, ledger.Critical, ledger.ActionCriticalRecovery, node, outcome, detail)
}
