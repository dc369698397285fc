package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/loykin/healer/internal/history"
	"github.com/loykin/healer/internal/metrics"
	"github.com/loykin/healer/internal/store"
)

// Category is the severity tier of a failure or action.
type Category string

const (
	ServiceDown Category = "service_down"
	Overload    Category = "overload"
	Critical    Category = "critical"
	Reboot      Category = "reboot"
	// Maintenance marks scheduled housekeeping outside the four tiers.
	Maintenance Category = "maintenance"
)

// Action types written to the audit trail.
const (
	ActionRestart              = "restart"
	ActionStopStart            = "stop_start"
	ActionEscalate             = "escalate"
	ActionCacheClear           = "cache_clear"
	ActionSessionReset         = "session_reset"
	ActionUnload               = "unload"
	ActionThrottle             = "throttle"
	ActionGPUThrottle          = "gpu_throttle"
	ActionDiskCleanup          = "disk_cleanup"
	ActionCriticalRecovery     = "critical_recovery"
	ActionHardRestart          = "hard_restart"
	ActionDBMaintenance        = "db_maintenance"
	ActionGPUReset             = "gpu_reset"
	ActionReboot               = "reboot"
	ActionPostRebootValidation = "post_reboot_validation"
)

// Outcomes of a recorded action.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeRefused  = "refused"
	OutcomeBypassed = "bypassed"
	OutcomeDryRun   = "dry_run"
	OutcomePartial  = "partial"
)

// EventCritical is the store event kind written by every critical recovery run.
const EventCritical = "critical"

type (
	FailureRecord  = store.FailureRecord
	RecoveryAction = store.ActionRecord
)

const (
	DefaultCooldown = 5 * time.Minute
	DefaultWindow   = 10 * time.Minute
	// EscalationCount is the failure count at which a service is escalating.
	EscalationCount = 3
)

type cooldownKey struct {
	action string
	target string
}

// Ledger answers "is this service escalating?" and "is this action on
// cooldown?". Failures and actions are persisted through the store; the
// cooldown map lives only in memory and starts empty after a restart.
type Ledger struct {
	store    store.Store
	clock    clockwork.Clock
	cooldown time.Duration
	window   time.Duration
	timeout  time.Duration
	node     string
	sinks    []history.Sink
	log      *slog.Logger

	mu        sync.Mutex
	cooldowns map[cooldownKey]time.Time
	// failure timestamps per service, used when the store is unreachable
	recent map[string][]time.Time
}

type Option func(*Ledger)

func WithClock(c clockwork.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithCooldown(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.cooldown = d
		}
	}
}

// WithWindow sets the rolling failure window. Each failure expires window
// after it occurred; there are no fixed buckets.
func WithWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithStoreTimeout bounds each store and sink call.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithSinks(s ...history.Sink) Option { return func(l *Ledger) { l.sinks = append(l.sinks, s...) } }

func WithNode(name string) Option { return func(l *Ledger) { l.node = name } }

func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.log = lg
		}
	}
}

func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     s,
		clock:     clockwork.NewRealClock(),
		cooldown:  DefaultCooldown,
		window:    DefaultWindow,
		timeout:   store.DefaultQueryTimeout,
		log:       slog.Default(),
		cooldowns: make(map[cooldownKey]time.Time),
		recent:    make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) Store() store.Store { return l.store }

func (l *Ledger) Clock() clockwork.Clock { return l.clock }

func (l *Ledger) Window() time.Duration { return l.window }

// StoreContext derives the context for one store call. A call that runs
// past it fails like any other store error.
func (l *Ledger) StoreContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

// RecordFailure persists a failure for service. A store error is logged and
// the failure still counts through the in-memory fallback.
func (l *Ledger) RecordFailure(ctx context.Context, service string, cat Category) FailureRecord {
	rec := FailureRecord{ID: uuid.NewString(), Service: service, Category: string(cat), OccurredAt: l.clock.Now().UTC()}
	l.mu.Lock()
	l.recent[service] = append(l.expire(l.recent[service], rec.OccurredAt), rec.OccurredAt)
	l.mu.Unlock()
	sctx, cancel := l.StoreContext(ctx)
	defer cancel()
	if err := l.store.RecordFailure(sctx, rec); err != nil {
		l.log.Warn("persist failure record", "service", service, "error", err)
	}
	metrics.IncFailure(service)
	l.export(ctx, history.FailureEvent(l.node, rec))
	return rec
}

// expire drops timestamps older than the window. Caller holds mu.
func (l *Ledger) expire(ts []time.Time, now time.Time) []time.Time {
	cut := now.Add(-l.window)
	i := 0
	for i < len(ts) && ts[i].Before(cut) {
		i++
	}
	return ts[i:]
}

// FailureCount returns failures of service within the rolling window. An
// empty service counts across all services. Counts come from the store so
// they survive engine restarts; the in-memory copy is used only when the
// store cannot answer.
func (l *Ledger) FailureCount(ctx context.Context, service string) int {
	now := l.clock.Now().UTC()
	sctx, cancel := l.StoreContext(ctx)
	n, err := l.store.CountFailures(sctx, service, now.Add(-l.window))
	cancel()
	if err == nil {
		return n
	}
	l.log.Warn("count failures from store, using in-memory window", "service", service, "error", err)
	l.mu.Lock()
	defer l.mu.Unlock()
	if service != "" {
		l.recent[service] = l.expire(l.recent[service], now)
		return len(l.recent[service])
	}
	total := 0
	for svc, ts := range l.recent {
		l.recent[svc] = l.expire(ts, now)
		total += len(l.recent[svc])
	}
	return total
}

// Escalating reports whether service reached the escalation count.
func (l *Ledger) Escalating(ctx context.Context, service string) bool {
	return l.FailureCount(ctx, service) >= EscalationCount
}

// Resolve marks the open failures of service resolved.
func (l *Ledger) Resolve(ctx context.Context, service string) {
	sctx, cancel := l.StoreContext(ctx)
	defer cancel()
	n, err := l.store.ResolveFailures(sctx, service)
	if err != nil {
		l.log.Warn("resolve failures", "service", service, "error", err)
		return
	}
	if n > 0 {
		l.log.Info("service recovered", "service", service, "resolved", n)
	}
}

// OnCooldown reports whether (action, target) ran within the cooldown.
func (l *Ledger) OnCooldown(action, target string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.cooldowns[cooldownKey{action, target}]
	if !ok {
		return false
	}
	return l.clock.Since(last) < l.cooldown
}

// CooldownRemaining returns how long (action, target) stays cooled down.
func (l *Ledger) CooldownRemaining(action, target string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.cooldowns[cooldownKey{action, target}]
	if !ok {
		return 0
	}
	if rem := l.cooldown - l.clock.Since(last); rem > 0 {
		return rem
	}
	return 0
}

// Skip notes a cooled-down action. Nothing is recorded.
func (l *Ledger) Skip(action, target string) {
	metrics.IncSkipped(action)
	l.log.Debug("action on cooldown, skipped", "action", action, "target", target,
		"remaining", l.CooldownRemaining(action, target))
}

// Record appends an executed action to the audit trail and starts its
// cooldown. Persistence is best-effort: the action counts as attempted even
// when the store write fails.
func (l *Ledger) Record(ctx context.Context, a RecoveryAction) RecoveryAction {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = l.clock.Now().UTC()
	}
	l.mu.Lock()
	l.cooldowns[cooldownKey{a.ActionType, a.Target}] = a.At
	l.mu.Unlock()

	sctx, cancel := l.StoreContext(ctx)
	err := l.store.RecordAction(sctx, a)
	cancel()
	if err != nil {
		l.log.Warn("persist recovery action", "action", a.ActionType, "target", a.Target, "error", err)
	}
	metrics.IncAction(a.Severity, a.ActionType, a.Outcome)
	l.export(ctx, history.ActionEvent(l.node, a))
	lvl := slog.LevelInfo
	if a.Outcome == OutcomeFailed || a.Outcome == OutcomeRefused {
		lvl = slog.LevelWarn
	}
	l.log.Log(ctx, lvl, "recovery action", "action", a.ActionType, "target", a.Target,
		"severity", a.Severity, "outcome", a.Outcome, "detail", a.Detail, "event", a.TriggeringEventID)
	return a
}

func (l *Ledger) export(ctx context.Context, e history.Event) {
	for _, s := range l.sinks {
		sctx, cancel := l.StoreContext(ctx)
		if err := s.Send(sctx, e); err != nil {
			l.log.Debug("history sink send failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}

// RecordCritical persists a critical event. Best-effort like every write.
func (l *Ledger) RecordCritical(ctx context.Context, target, detail string) store.Event {
	ev := store.Event{ID: uuid.NewString(), Kind: EventCritical, Target: target, Detail: detail, At: l.clock.Now().UTC()}
	sctx, cancel := l.StoreContext(ctx)
	defer cancel()
	if err := l.store.RecordEvent(sctx, ev); err != nil {
		l.log.Warn("persist critical event", "target", target, "error", err)
	}
	return ev
}

// CriticalEvents counts critical events within d. A store error is returned
// so the caller can decide; the reboot arbiter treats it as zero.
func (l *Ledger) CriticalEvents(ctx context.Context, d time.Duration) (int, error) {
	sctx, cancel := l.StoreContext(ctx)
	defer cancel()
	return l.store.CountEvents(sctx, EventCritical, l.clock.Now().UTC().Add(-d))
}
