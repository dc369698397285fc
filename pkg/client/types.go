package client

import "time"

// Disk is the usage of the monitored filesystem.
type Disk struct {
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// Resources is the node resource sample of a cycle.
type Resources struct {
	CPU         float64   `json:"cpu"`
	RAM         float64   `json:"ram"`
	GPU         float64   `json:"gpu"`
	Temperature float64   `json:"temperature"`
	Disk        Disk      `json:"disk"`
	At          time.Time `json:"at"`
	Stale       bool      `json:"stale"`
}

// Health is the health check of one service.
type Health struct {
	Service string    `json:"service"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Probe is a failed dependency probe.
type Probe struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

// ServiceState is the service-down state of one service.
type ServiceState struct {
	State       string `json:"state"`
	Consecutive int    `json:"consecutive"`
}

// Plan is a recovery plan executed in a cycle.
type Plan struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Status is the last finished healing cycle.
type Status struct {
	Cycle          string                  `json:"cycle"`
	Cycles         uint64                  `json:"cycles"`
	At             time.Time               `json:"at"`
	Duration       time.Duration           `json:"duration"`
	Resources      Resources               `json:"resources"`
	Health         []Health                `json:"health"`
	FailedProbes   []Probe                 `json:"failed_probes,omitempty"`
	Services       map[string]ServiceState `json:"services"`
	Streaks        map[string]int          `json:"critical_streaks"`
	Plans          []Plan                  `json:"plans"`
	DBInconsistent bool                    `json:"db_inconsistent"`
	GPULost        bool                    `json:"gpu_lost"`
	Panicked       bool                    `json:"panicked,omitempty"`
}

// Action is one entry of the recovery audit trail.
type Action struct {
	ID                string    `json:"id"`
	ActionType        string    `json:"action_type"`
	Target            string    `json:"target"`
	Severity          string    `json:"severity"`
	Outcome           string    `json:"outcome"`
	Detail            string    `json:"detail,omitempty"`
	TriggeringEventID string    `json:"triggering_event_id"`
	At                time.Time `json:"at"`
}

// ActionQuery narrows Actions. Zero fields match everything.
type ActionQuery struct {
	Target string
	Action string
	Since  time.Duration
	Limit  int
}

// Failure is a recorded service failure.
type Failure struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Category   string    `json:"category"`
	OccurredAt time.Time `json:"occurred_at"`
	Resolved   bool      `json:"resolved"`
}

// Reboot is a persisted reboot and its validation.
type Reboot struct {
	ID          string     `json:"id"`
	At          time.Time  `json:"at"`
	Reason      string     `json:"reason"`
	Bypassed    bool       `json:"bypassed"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// Update is an update bundle event.
type Update struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Bundle string    `json:"bundle"`
	Digest string    `json:"digest"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type checkResponse struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}
