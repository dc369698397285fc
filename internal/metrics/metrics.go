package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Number of healing cycles by result (ok, panic).",
		}, []string{"result"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "healer",
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one sample, evaluate and dispatch iteration.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "recovery",
			Name:      "actions_total",
			Help:      "Recorded recovery actions.",
		}, []string{"category", "action", "outcome"},
	)
	skipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "recovery",
			Name:      "skipped_total",
			Help:      "Actions skipped because they were on cooldown.",
		}, []string{"action"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "recovery",
			Name:      "failures_total",
			Help:      "Service failures recorded in the ledger.",
		}, []string{"service"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "healer",
			Subsystem: "service",
			Name:      "up",
			Help:      "Last observed service health (1 = healthy).",
		}, []string{"service", "tier"},
	)
	resourceUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "healer",
			Subsystem: "node",
			Name:      "resource_usage",
			Help:      "Last sampled resource usage (percent, temperature in celsius).",
		}, []string{"metric"},
	)
	sampleStale = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "healer",
			Subsystem: "node",
			Name:      "sample_stale",
			Help:      "1 when the last resource sample is a degraded last-known value.",
		},
	)
	reboots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "reboot",
			Name:      "decisions_total",
			Help:      "Reboot arbiter decisions (issued, refused, bypassed, dry_run).",
		}, []string{"decision"},
	)
	updates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "updates",
			Name:      "bundles_total",
			Help:      "Update bundles processed by status.",
		}, []string{"status"},
	)
	selfCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "healer",
			Subsystem: "self",
			Name:      "cpu_percent",
			Help:      "CPU usage of the healer process.",
		},
	)
	selfRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "healer",
			Subsystem: "self",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the healer process.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{cycles, cycleDuration, actions, skipped, failures, serviceUp,
		resourceUsage, sampleStale, reboots, updates, selfCPU, selfRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveCycle(seconds float64, panicked bool) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if panicked {
		result = "panic"
	}
	cycles.WithLabelValues(result).Inc()
	cycleDuration.Observe(seconds)
}

func IncAction(category, action, outcome string) {
	if regOK.Load() {
		actions.WithLabelValues(category, action, outcome).Inc()
	}
}

func IncSkipped(action string) {
	if regOK.Load() {
		skipped.WithLabelValues(action).Inc()
	}
}

func IncFailure(service string) {
	if regOK.Load() {
		failures.WithLabelValues(service).Inc()
	}
}

func SetServiceUp(service, tier string, up bool) {
	if regOK.Load() {
		var value float64
		if up {
			value = 1
		}
		serviceUp.WithLabelValues(service, tier).Set(value)
	}
}

func SetResource(metric string, value float64) {
	if regOK.Load() {
		resourceUsage.WithLabelValues(metric).Set(value)
	}
}

func SetStale(stale bool) {
	if regOK.Load() {
		var value float64
		if stale {
			value = 1
		}
		sampleStale.Set(value)
	}
}

func IncReboot(decision string) {
	if regOK.Load() {
		reboots.WithLabelValues(decision).Inc()
	}
}

func IncUpdate(status string) {
	if regOK.Load() {
		updates.WithLabelValues(status).Inc()
	}
}
