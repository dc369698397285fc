package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrInconsistent is returned by Maintain when the integrity check fails
	// and the database cannot be trusted any more.
	ErrInconsistent = errors.New("store: integrity check failed")
)

// FailureRecord is one detected service failure. Failures are counted in a
// rolling window to pick the escalation step; Resolved is set once the
// service reports healthy again and does not remove it from the window.
type FailureRecord struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Category   string    `json:"category"`
	OccurredAt time.Time `json:"occurred_at"`
	Resolved   bool      `json:"resolved"`
}

// ActionRecord is an executed recovery action. The table is append-only.
type ActionRecord struct {
	ID                string    `json:"id"`
	ActionType        string    `json:"action_type"`
	Target            string    `json:"target"`
	Severity          string    `json:"severity"`
	Outcome           string    `json:"outcome"`
	Detail            string    `json:"detail,omitempty"`
	TriggeringEventID string    `json:"triggering_event_id"`
	At                time.Time `json:"at"`
}

// Event is a notable engine event, e.g. a critical recovery run.
type Event struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Target string    `json:"target"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Snapshot is the resource picture captured right before a reboot.
type Snapshot struct {
	CPU         float64 `json:"cpu"`
	RAM         float64 `json:"ram"`
	GPU         float64 `json:"gpu"`
	Temperature float64 `json:"temperature"`
	DiskPercent float64 `json:"disk_percent"`
}

// RebootState is persisted before a reboot is issued and consumed by the
// post-reboot validation.
type RebootState struct {
	ID          string     `json:"id"`
	At          time.Time  `json:"at"`
	Reason      string     `json:"reason"`
	PreReboot   Snapshot   `json:"pre_reboot"`
	Bypassed    bool       `json:"bypassed"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// Update event statuses written by the update watcher.
const (
	UpdateDetected = "detected"
	UpdateStaging  = "staging"
	UpdateStaged   = "staged"
	UpdateFailed   = "failed"
)

// UpdateEvent tracks an update bundle found on removable media.
type UpdateEvent struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Bundle string    `json:"bundle"`
	Digest string    `json:"digest"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ActionFilter narrows ListActions. Zero fields match everything.
type ActionFilter struct {
	Target     string
	ActionType string
	Since      time.Time
	Limit      int
}

// Store persists the failure ledger, the audit trail, reboot state and
// update events. Every method is a single statement or a short transaction.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	RecordFailure(ctx context.Context, rec FailureRecord) error
	// CountFailures counts failures since the given time; an empty service
	// counts across all services.
	CountFailures(ctx context.Context, service string, since time.Time) (int, error)
	ResolveFailures(ctx context.Context, service string) (int64, error)
	ListFailures(ctx context.Context, service string, limit int) ([]FailureRecord, error)

	RecordAction(ctx context.Context, rec ActionRecord) error
	ListActions(ctx context.Context, f ActionFilter) ([]ActionRecord, error)

	RecordEvent(ctx context.Context, ev Event) error
	CountEvents(ctx context.Context, kind string, since time.Time) (int, error)

	SaveRebootState(ctx context.Context, st RebootState) error
	CountReboots(ctx context.Context, since time.Time) (int, error)
	// PendingRebootState returns the newest reboot not yet validated, or ErrNotFound.
	PendingRebootState(ctx context.Context) (RebootState, error)
	MarkRebootValidated(ctx context.Context, id string, at time.Time) error
	ListReboots(ctx context.Context, limit int) ([]RebootState, error)

	RecordUpdate(ctx context.Context, ev UpdateEvent) error
	// ActiveUpdates returns bundles whose latest status is staging.
	ActiveUpdates(ctx context.Context) ([]UpdateEvent, error)
	ListUpdates(ctx context.Context, limit int) ([]UpdateEvent, error)

	// Maintain runs integrity checks and compaction. It returns
	// ErrInconsistent when the database is corrupt.
	Maintain(ctx context.Context) error
}

// Config is the store section of the configuration.
type Config struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	ConnMaxAge   time.Duration `mapstructure:"conn_max_age"`
	// QueryTimeout bounds every statement issued by the healing loop.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// DefaultMaxOpenConns bounds the pool shared by the loop and auxiliary tools.
const DefaultMaxOpenConns = 5

const DefaultQueryTimeout = 5 * time.Second
