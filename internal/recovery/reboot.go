package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/metrics"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/store"
	"github.com/loykin/healer/internal/threshold"
)

// Rebooter issues the system reboot.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// RebootConfig gates the reboot arbiter. The zero value is disabled.
type RebootConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DryRun logs and records the decision without rebooting.
	DryRun bool `mapstructure:"dry_run"`
	// MaxReboots within GuardWindow before the loop guard refuses.
	MaxReboots  int           `mapstructure:"max_reboots"`
	GuardWindow time.Duration `mapstructure:"guard_window"`
	// CriticalEvents within CriticalWindow trigger a reboot.
	CriticalEvents int           `mapstructure:"critical_events"`
	CriticalWindow time.Duration `mapstructure:"critical_window"`
	// UpdateGrace is how long a staging update holds reboots off.
	UpdateGrace time.Duration `mapstructure:"update_grace"`
	StatePath   string        `mapstructure:"state_path"`
}

// DefaultRebootConfig returns the defaults; Enabled stays false.
func DefaultRebootConfig() RebootConfig {
	return RebootConfig{
		MaxReboots:     3,
		GuardWindow:    time.Hour,
		CriticalEvents: 3,
		CriticalWindow: 30 * time.Minute,
		UpdateGrace:    30 * time.Minute,
		StatePath:      "/var/lib/healer/reboot-state.json",
	}
}

func (c RebootConfig) withDefaults() RebootConfig {
	d := DefaultRebootConfig()
	if c.MaxReboots <= 0 {
		c.MaxReboots = d.MaxReboots
	}
	if c.GuardWindow <= 0 {
		c.GuardWindow = d.GuardWindow
	}
	if c.CriticalEvents <= 0 {
		c.CriticalEvents = d.CriticalEvents
	}
	if c.CriticalWindow <= 0 {
		c.CriticalWindow = d.CriticalWindow
	}
	if c.UpdateGrace <= 0 {
		c.UpdateGrace = d.UpdateGrace
	}
	if c.StatePath == "" {
		c.StatePath = d.StatePath
	}
	return c
}

// Decision is the outcome of the reboot arbiter for one cycle.
type Decision string

const (
	DecisionIssue  Decision = "issue"
	DecisionBypass Decision = "bypass"
	DecisionRefuse Decision = "refuse"
	DecisionDryRun Decision = "dry_run"
)

// RebootArbiter is the last resort tier. It only reboots when enabled, and
// the loop guard refuses once MaxReboots happened within GuardWindow unless
// disk usage is above the override threshold.
type RebootArbiter struct {
	deps     *Deps
	cfg      RebootConfig
	disk     threshold.DiskBounds
	store    store.Store
	rebooter Rebooter
}

func NewRebootArbiter(d *Deps, cfg RebootConfig, disk threshold.DiskBounds, st store.Store, r Rebooter) *RebootArbiter {
	return &RebootArbiter{deps: d, cfg: cfg.withDefaults(), disk: disk, store: st, rebooter: r}
}

func (h *RebootArbiter) Category() ledger.Category { return ledger.Reboot }

// triggers returns why the node should reboot, empty when it should not.
func (h *RebootArbiter) triggers(ctx context.Context, c *Cycle) []string {
	var out []string
	if ev, ok := threshold.Find(c.Events, threshold.Disk); ok && ev.Level == threshold.LevelReboot {
		out = append(out, fmt.Sprintf("disk usage %.1f%% above %.1f%%", ev.Value, ev.Limit))
	}
	if c.DBInconsistent {
		out = append(out, "database inconsistent")
	}
	if c.GPULost {
		out = append(out, "gpu permanently failed")
	}
	n, err := h.deps.Ledger.CriticalEvents(ctx, h.cfg.CriticalWindow)
	if err != nil {
		h.deps.logger().Warn("count critical events", "error", err)
	} else if n >= h.cfg.CriticalEvents {
		out = append(out, fmt.Sprintf("%d critical events within %s", n, h.cfg.CriticalWindow))
	}
	return out
}

func (h *RebootArbiter) Evaluate(ctx context.Context, c *Cycle) *Plan {
	reasons := h.triggers(ctx, c)
	if len(reasons) == 0 {
		return nil
	}
	reason := strings.Join(reasons, "; ")
	log := h.deps.logger()
	if !h.cfg.Enabled {
		log.Debug("reboot trigger holds but reboot is disabled", "reason", reason)
		return nil
	}
	node := h.deps.node()
	if h.deps.Ledger.OnCooldown(ledger.ActionReboot, node) {
		h.deps.Ledger.Skip(ledger.ActionReboot, node)
		return nil
	}

	decision, detail := h.decide(ctx, c)
	metrics.IncReboot(string(decision))
	p := &Plan{Category: ledger.Reboot, Reason: reason}
	switch decision {
	case DecisionRefuse:
		p.run = func(ctx context.Context) {
			h.deps.recordOutcome(ctx, c, ledger.Reboot, ledger.ActionReboot, node, ledger.OutcomeRefused, reason+"; "+detail)
		}
	case DecisionDryRun:
		p.run = func(ctx context.Context) {
			h.deps.recordOutcome(ctx, c, ledger.Reboot, ledger.ActionReboot, node, ledger.OutcomeDryRun, reason)
		}
	default:
		p.Claims = []string{ClaimNode}
		p.run = func(ctx context.Context) { h.reboot(ctx, c, reason, detail, decision == DecisionBypass) }
	}
	return p
}

// decide applies the update hold and the loop guard.
func (h *RebootArbiter) decide(ctx context.Context, c *Cycle) (Decision, string) {
	log := h.deps.logger()
	if bundle, ok := h.staging(ctx); ok {
		return DecisionRefuse, "update bundle " + bundle + " is staging"
	}
	override := c.Resources.Disk.Percent > h.disk.RebootOverride
	since := h.deps.Ledger.Clock().Now().UTC().Add(-h.cfg.GuardWindow)
	var n int
	err := h.query(ctx, func(ctx context.Context) (err error) {
		n, err = h.store.CountReboots(ctx, since)
		return err
	})
	var guard string
	switch {
	case err != nil:
		guard = "reboot history unavailable: " + err.Error()
	case n >= h.cfg.MaxReboots:
		guard = fmt.Sprintf("%d reboots within %s (max %d)", n, h.cfg.GuardWindow, h.cfg.MaxReboots)
	}
	decision, detail := DecisionIssue, ""
	if guard != "" {
		if !override {
			log.Warn("reboot refused by loop guard", "guard", guard)
			return DecisionRefuse, guard
		}
		detail = fmt.Sprintf("loop guard bypassed: %s, disk %.1f%% above override %.1f%%",
			guard, c.Resources.Disk.Percent, h.disk.RebootOverride)
		log.Warn("reboot loop guard bypassed", "guard", guard, "disk", c.Resources.Disk.Percent,
			"override", h.disk.RebootOverride)
		decision = DecisionBypass
	}
	if h.cfg.DryRun {
		return DecisionDryRun, detail
	}
	return decision, detail
}

// staging reports a bundle the update watcher is still copying.
func (h *RebootArbiter) staging(ctx context.Context) (string, bool) {
	var ups []store.UpdateEvent
	err := h.query(ctx, func(ctx context.Context) (err error) {
		ups, err = h.store.ActiveUpdates(ctx)
		return err
	})
	if err != nil {
		h.deps.logger().Debug("query active updates", "error", err)
		return "", false
	}
	now := h.deps.Ledger.Clock().Now()
	for _, u := range ups {
		if now.Sub(u.At) < h.cfg.UpdateGrace {
			return u.Bundle, true
		}
	}
	return "", false
}

func (h *RebootArbiter) reboot(ctx context.Context, c *Cycle, reason, detail string, bypass bool) {
	d := h.deps
	node := d.node()
	st := store.RebootState{
		ID:        uuid.NewString(),
		At:        d.Ledger.Clock().Now().UTC(),
		Reason:    reason,
		PreReboot: snapshot(c.Resources),
		Bypassed:  bypass,
	}
	// the state file must be durable before the reboot; without it the
	// validation after boot cannot attribute the cause
	if err := WriteState(h.cfg.StatePath, st); err != nil {
		d.record(ctx, c, ledger.Reboot, ledger.ActionReboot, node, fmt.Errorf("persist reboot state: %w", err))
		return
	}
	if err := h.query(ctx, func(ctx context.Context) error { return h.store.SaveRebootState(ctx, st) }); err != nil {
		d.logger().Warn("persist reboot state to store", "error", err)
	}
	outcome := ledger.OutcomeSuccess
	if bypass {
		outcome = ledger.OutcomeBypassed
	}
	msg := reason
	if detail != "" {
		msg += "; " + detail
	}
	a := d.recordOutcome(ctx, c, ledger.Reboot, ledger.ActionReboot, node, outcome, msg)
	d.logger().Warn("rebooting node", "reason", reason, "bypass", bypass, "state", st.ID)
	if err := d.call(ctx, h.rebooter.Reboot); err != nil {
		d.Ledger.Record(ctx, ledger.RecoveryAction{
			ActionType:        ledger.ActionReboot,
			Target:            node,
			Severity:          string(ledger.Reboot),
			Outcome:           ledger.OutcomeFailed,
			Detail:            err.Error(),
			TriggeringEventID: a.ID,
		})
	}
}

// query runs one store call under the ledger's store deadline.
func (h *RebootArbiter) query(ctx context.Context, fn func(ctx context.Context) error) error {
	sctx, cancel := h.deps.Ledger.StoreContext(ctx)
	defer cancel()
	return fn(sctx)
}

func snapshot(s sampler.ResourceSample) store.Snapshot {
	return store.Snapshot{
		CPU:         s.CPU,
		RAM:         s.RAM,
		GPU:         s.GPU,
		Temperature: s.Temperature,
		DiskPercent: s.Disk.Percent,
	}
}

// WriteState writes st to path and flushes it and its directory to disk.
func WriteState(path string, st store.RebootState) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".reboot-state-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = df.Close() }()
	return df.Sync()
}

// ReadState reads a state file written by WriteState.
func ReadState(path string) (store.RebootState, error) {
	var st store.RebootState
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, store.ErrNotFound
		}
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode reboot state %s: %w", path, err)
	}
	return st, nil
}

// ValidatePending checks the node after a reboot the engine issued. It
// returns ErrNotFound when no reboot is pending. The validation is recorded
// as a post_reboot_validation action and the state is consumed.
func (h *RebootArbiter) ValidatePending(ctx context.Context, now sampler.ResourceSample) (store.RebootState, error) {
	d := h.deps
	fromFile := true
	st, err := ReadState(h.cfg.StatePath)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger().Warn("read reboot state file", "path", h.cfg.StatePath, "error", err)
		}
		fromFile = false
		err = h.query(ctx, func(ctx context.Context) (err error) {
			st, err = h.store.PendingRebootState(ctx)
			return err
		})
		if err != nil {
			return store.RebootState{}, err
		}
	}

	outcome := ledger.OutcomeSuccess
	detail := fmt.Sprintf("rebooted for %q; disk %.1f%% -> %.1f%%, ram %.1f%% -> %.1f%%",
		st.Reason, st.PreReboot.DiskPercent, now.Disk.Percent, st.PreReboot.RAM, now.RAM)
	switch {
	case now.Stale:
		outcome = ledger.OutcomePartial
		detail += "; metrics unavailable"
	case now.Disk.Percent > h.disk.Reboot:
		outcome = ledger.OutcomeFailed
		detail += "; disk still above reboot threshold"
	}
	d.Ledger.Record(ctx, ledger.RecoveryAction{
		ActionType:        ledger.ActionPostRebootValidation,
		Target:            d.node(),
		Severity:          string(ledger.Reboot),
		Outcome:           outcome,
		Detail:            detail,
		TriggeringEventID: st.ID,
	})

	at := d.Ledger.Clock().Now().UTC()
	if err := h.query(ctx, func(ctx context.Context) error { return h.store.MarkRebootValidated(ctx, st.ID, at) }); err != nil {
		d.logger().Warn("mark reboot validated", "state", st.ID, "error", err)
	}
	if fromFile {
		if err := os.Remove(h.cfg.StatePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger().Warn("remove reboot state file", "path", h.cfg.StatePath, "error", err)
		}
	}
	st.ValidatedAt = &at
	return st, nil
}
