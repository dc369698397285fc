package sampler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultProbeTimeout bounds every collaborator call made by the sampler.
const DefaultProbeTimeout = 5 * time.Second

// Sampler fetches resource utilization and per-service status each cycle.
// It never returns an error: a collaborator failure degrades the result
// (last known value plus Stale, or StatusUnknown) instead.
type Sampler struct {
	services []Service
	metrics  MetricsSource
	status   StatusReader
	timeout  time.Duration
	clock    clockwork.Clock
	log      *slog.Logger

	mu       sync.Mutex
	last     ResourceSample
	haveLast bool
}

// Option customizes a Sampler.
type Option func(*Sampler)

func WithTimeout(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(c clockwork.Clock) Option { return func(s *Sampler) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Sampler) { s.log = l } }

// New creates a sampler. Services are kept sorted by name so every cycle
// handles them in the same order.
func New(services []Service, metrics MetricsSource, status StatusReader, opts ...Option) *Sampler {
	svcs := append([]Service(nil), services...)
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].Name < svcs[j].Name })
	s := &Sampler{
		services: svcs,
		metrics:  metrics,
		status:   status,
		timeout:  DefaultProbeTimeout,
		clock:    clockwork.NewRealClock(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Descriptors returns the monitored services in handling order.
func (s *Sampler) Descriptors() []Service { return append([]Service(nil), s.services...) }

// Lookup returns the descriptor for name.
func (s *Sampler) Lookup(name string) (Service, bool) {
	for _, svc := range s.services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

// Resources returns the current resource sample, or the last known one
// flagged as stale when the metrics source fails.
func (s *Sampler) Resources(ctx context.Context) ResourceSample {
	if s.metrics == nil {
		return s.degraded(errors.New("no metrics source configured"))
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rs, err := s.metrics.Sample(cctx)
	if err != nil {
		return s.degraded(err)
	}
	if rs.At.IsZero() {
		rs.At = s.clock.Now()
	}
	rs.Stale = false
	s.mu.Lock()
	s.last, s.haveLast = rs, true
	s.mu.Unlock()
	return rs
}

func (s *Sampler) degraded(err error) ResourceSample {
	s.log.Warn("metrics source unavailable, using last known sample", "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.last
	if !s.haveLast {
		rs = ResourceSample{At: s.clock.Now()}
	}
	rs.Stale = true
	return rs
}

// Services checks every monitored service in name order. A query error or
// timeout yields StatusUnknown for that service only.
func (s *Sampler) Services(ctx context.Context) []HealthSample {
	out := make([]HealthSample, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, s.Check(ctx, svc))
	}
	return out
}

// Check queries one service.
func (s *Sampler) Check(ctx context.Context, svc Service) HealthSample {
	hs := HealthSample{Service: svc.Name, At: s.clock.Now()}
	if s.status == nil {
		hs.Status = StatusUnknown
		hs.Err = "no container runtime configured"
		return hs
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	st, err := s.status.Status(cctx, svc)
	if err != nil {
		s.log.Debug("service status query failed", "service", svc.Name, "error", err)
		hs.Status = StatusUnknown
		hs.Err = err.Error()
		return hs
	}
	hs.Status = st
	return hs
}
