package sampler

import (
	"context"
	"time"
)

// Tier classifies a monitored service. Critical recovery only hard-restarts
// application tier services; system and self tier are never bounced by it.
type Tier string

const (
	TierSystem      Tier = "system"
	TierApplication Tier = "application"
	TierSelf        Tier = "self"
)

// Service describes one monitored service. It is loaded once at startup.
type Service struct {
	Name    string `json:"name"`
	ID      string `json:"id"`      // container name/id or systemd unit
	Tier    Tier   `json:"tier"`    // system | application | self
	Runtime string `json:"runtime"` // docker | systemd (empty = default runtime)
}

// Status is the observed state of a service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
	StatusUnknown   Status = "unknown"
)

// HealthSample is the per-cycle health of one service.
type HealthSample struct {
	Service string    `json:"service"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
	Err     string    `json:"error,omitempty"`
}

// Failed reports whether the check counts as a failed check. Unknown counts
// as failed: a status query that errored or timed out is a failed probe.
func (h HealthSample) Failed() bool { return h.Status != StatusHealthy }

// Disk is the usage of the monitored filesystem.
type Disk struct {
	Used    uint64  `json:"used"`
	Free    uint64  `json:"free"`
	Percent float64 `json:"percent"`
}

// ResourceSample is a point-in-time reading of node resource pressure.
// Stale is set when the metrics source could not be reached and the values
// are the last known ones.
type ResourceSample struct {
	CPU         float64   `json:"cpu"`
	RAM         float64   `json:"ram"`
	GPU         float64   `json:"gpu"`
	Temperature float64   `json:"temperature"`
	Disk        Disk      `json:"disk"`
	At          time.Time `json:"at"`
	Stale       bool      `json:"stale"`
}

// MetricsSource returns the current resource utilization of the node.
type MetricsSource interface {
	Sample(ctx context.Context) (ResourceSample, error)
}

// StatusReader queries the runtime status of one service.
type StatusReader interface {
	Status(ctx context.Context, svc Service) (Status, error)
}
