// Package healer assembles the recovery engine and its status API, and
// separately the update watcher, from a single configuration. cmd/healer is a
// thin shell around it.
package healer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/healer/internal/config"
	"github.com/loykin/healer/internal/cron"
	"github.com/loykin/healer/internal/engine"
	"github.com/loykin/healer/internal/gpu"
	"github.com/loykin/healer/internal/history"
	hfactory "github.com/loykin/healer/internal/history/factory"
	"github.com/loykin/healer/internal/inference"
	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/metrics"
	"github.com/loykin/healer/internal/recovery"
	"github.com/loykin/healer/internal/runtime"
	"github.com/loykin/healer/internal/runtime/docker"
	"github.com/loykin/healer/internal/runtime/systemd"
	"github.com/loykin/healer/internal/sampler"
	iapi "github.com/loykin/healer/internal/server"
	"github.com/loykin/healer/internal/store"
	sfactory "github.com/loykin/healer/internal/store/factory"
	htls "github.com/loykin/healer/internal/tls"
	"github.com/loykin/healer/internal/watcher"
)

// Re-export the types embedders need.

type Config = cfg.Config

type ServiceConfig = cfg.ServiceConfig

type Snapshot = engine.Snapshot

type HistorySink = history.Sink

type Runtime = runtime.Runtime

type Rebooter = recovery.Rebooter

type Store = store.Store

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// storeRetries bounds the attempts to reach the store at startup.
const storeRetries = 5

type options struct {
	log      *slog.Logger
	clock    clockwork.Clock
	metrics  sampler.MetricsSource
	runtimes map[string]Runtime
	rebooter Rebooter
	gpu      gpu.Runner
	sinks    []HistorySink
}

type Option func(*options)

func buildOptions(c *Config, opts []Option) options {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = c.Log.NewSlogger()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	return o
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithMetricsSource replaces the gopsutil host reader.
func WithMetricsSource(m sampler.MetricsSource) Option { return func(o *options) { o.metrics = m } }

// WithRuntime registers a runtime under name instead of the built in
// docker/systemd ones for that name.
func WithRuntime(name string, r Runtime) Option {
	return func(o *options) {
		if o.runtimes == nil {
			o.runtimes = make(map[string]Runtime)
		}
		o.runtimes[name] = r
	}
}

func WithRebooter(r Rebooter) Option { return func(o *options) { o.rebooter = r } }

// WithGPURunner replaces the nvidia-smi executor.
func WithGPURunner(r gpu.Runner) Option { return func(o *options) { o.gpu = r } }

func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// Healer is one assembled node agent.
type Healer struct {
	cfg     *Config
	log     *slog.Logger
	store   *store.SQL
	engine  *engine.Engine
	cron    *cron.Scheduler
	router  *iapi.Router
	closers []func() error
}

// New builds every component from c. The store must be reachable; runtimes,
// history sinks and the GPU are optional and only logged when unavailable.
func New(ctx context.Context, c *Config, opts ...Option) (*Healer, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(c, opts)
	h := &Healer{cfg: c, log: o.log}

	st, err := sfactory.Open(ctx, c.Store, storeRetries)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	h.store = st
	h.closers = append(h.closers, st.Close)

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			h.log.Warn("register metrics", "error", err)
		}
	}

	sinks := append([]HistorySink(nil), o.sinks...)
	for _, dsn := range c.History {
		s, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			h.log.Warn("history sink disabled", "error", err)
			continue
		}
		if t, ok := s.(interface{ EnsureTable(context.Context) error }); ok {
			if err := t.EnsureTable(ctx); err != nil {
				h.log.Warn("history sink table", "error", err)
			}
		}
		if cl, ok := s.(io.Closer); ok {
			h.closers = append(h.closers, cl.Close)
		}
		sinks = append(sinks, s)
	}

	led := ledger.New(st,
		ledger.WithClock(o.clock),
		ledger.WithCooldown(c.Cooldown),
		ledger.WithWindow(c.FailureWindow),
		ledger.WithStoreTimeout(c.Store.QueryTimeout),
		ledger.WithNode(c.Node),
		ledger.WithSinks(sinks...),
		ledger.WithLogger(h.log.With("component", "ledger")),
	)

	mux := h.runtimes(ctx, o)
	services := c.ServiceList()

	var gm *gpu.Manager
	if c.GPU.Enabled {
		gm = gpu.New(c.GPU, o.gpu, h.log.With("component", "gpu"))
	}
	src := o.metrics
	if src == nil {
		host := &sampler.HostSource{DiskPath: c.DiskPath, Clock: o.clock, Log: h.log}
		if gm != nil {
			host.GPU = gm
		}
		host.Warmup(ctx)
		src = host
	}
	smp := sampler.New(services, src, mux,
		sampler.WithTimeout(c.ProbeTimeout),
		sampler.WithClock(o.clock),
		sampler.WithLogger(h.log.With("component", "sampler")),
	)

	deps := &recovery.Deps{
		Ledger:   led,
		Services: services,
		Control:  mux,
		Cleaner: &recovery.Cleaner{
			Paths:  c.Cleanup,
			Pruner: mux,
			Clock:  o.clock,
			Log:    h.log.With("component", "cleanup"),
		},
		Store:            st,
		Log:              h.log.With("component", "recovery"),
		Node:             c.Node,
		InferenceService: c.Inference.Service,
		ActionTimeout:    c.ActionTimeout,
	}
	if c.Inference.BaseURL != "" {
		deps.Inference = inference.New(c.Inference)
	}
	if gm != nil {
		deps.GPU = gm
	}

	rebooter := o.rebooter
	if rebooter == nil {
		rebooter = systemd.Rebooter{}
	}
	arbiter := recovery.NewRebootArbiter(deps, c.Reboot, c.Thresholds.Disk, st, rebooter)

	probes, err := c.ProbeSet(st)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	eopts := []engine.Option{
		engine.WithProbes(probes...),
		engine.WithClock(o.clock),
		engine.WithLogger(h.log.With("component", "engine")),
	}
	if gm != nil {
		eopts = append(eopts, engine.WithGPUHealth(gm))
	}
	h.engine = engine.New(c.EngineConfig(), smp, deps, arbiter, eopts...)

	h.cron = cron.NewScheduler(cron.WithClock(o.clock), cron.WithLogger(h.log.With("component", "cron")))
	for _, m := range c.Maintain {
		if err := h.cron.Add(&cron.Job{Name: m.Job, Schedule: m.Schedule, Run: maintenanceJob(m.Job, deps)}); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	h.router = iapi.NewRouter(h.engine, st, c.Server.BasePath).WithMetrics(c.Metrics.Enabled)
	return h, nil
}

// maintenanceJob runs a housekeeping step and records it in the audit trail
// under the maintenance category.
func maintenanceJob(job string, d *recovery.Deps) func(context.Context) error {
	return func(ctx context.Context) error {
		rec := ledger.RecoveryAction{Severity: string(ledger.Maintenance), Outcome: ledger.OutcomeSuccess}
		var err error
		switch job {
		case cfg.JobDiskCleanup:
			rec.ActionType, rec.Target = ledger.ActionDiskCleanup, d.Node
			var freed uint64
			freed, err = d.Cleaner.Clean(ctx)
			rec.Detail = fmt.Sprintf("reclaimed %d bytes", freed)
		case cfg.JobDBMaintenance:
			rec.ActionType, rec.Target = ledger.ActionDBMaintenance, "database"
			err = d.Store.Maintain(ctx)
		default:
			return fmt.Errorf("unknown maintenance job %q", job)
		}
		if err != nil {
			rec.Outcome, rec.Detail = ledger.OutcomeFailed, err.Error()
		}
		d.Ledger.Record(ctx, rec)
		return err
	}
}

// runtimes registers the configured container and unit runtimes. One that
// cannot be reached is left out; its services then sample as unknown.
func (h *Healer) runtimes(ctx context.Context, o options) *runtime.Mux {
	mux := runtime.NewMux(h.cfg.Runtime.Default)
	if h.cfg.Runtime.Docker && o.runtimes["docker"] == nil {
		if d, err := docker.New(h.cfg.Runtime.StopTimeout); err != nil {
			h.log.Warn("docker runtime unavailable", "error", err)
		} else {
			mux.Register("docker", d)
			h.closers = append(h.closers, d.Close)
		}
	}
	if h.cfg.Runtime.Systemd && o.runtimes["systemd"] == nil {
		if s, err := systemd.New(ctx); err != nil {
			h.log.Warn("systemd runtime unavailable", "error", err)
		} else {
			mux.Register("systemd", s)
			h.closers = append(h.closers, func() error { s.Close(); return nil })
		}
	}
	for name, r := range o.runtimes {
		mux.Register(name, r)
	}
	return mux
}

// OpenStore opens only the persisted store, for audit tooling that must not
// start the engine.
func OpenStore(ctx context.Context, c *Config) (Store, error) {
	return sfactory.Open(ctx, c.Store, storeRetries)
}

func (h *Healer) Engine() *engine.Engine { return h.engine }

func (h *Healer) Store() store.Store { return h.store }

func (h *Healer) Logger() *slog.Logger { return h.log }

// Handler serves the status API.
func (h *Healer) Handler() http.Handler { return h.router.Handler() }

// Run starts the loop, the maintenance scheduler, the self metrics collector and the HTTP
// server, and blocks until ctx is cancelled or one of them fails.
func (h *Healer) Run(ctx context.Context) error {
	var tc *tls.Config
	if h.cfg.Server.Enabled {
		var err error
		if tc, err = htls.Setup(h.cfg.Server.TLS); err != nil {
			return fmt.Errorf("status api tls: %w", err)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.engine.Run(gctx) })
	if h.cron.Len() > 0 {
		g.Go(func() error { return h.cron.Run(gctx) })
	}
	if h.cfg.Metrics.Enabled {
		if sc, err := metrics.NewSelfCollector(h.cfg.Metrics.SelfInterval, h.log); err != nil {
			h.log.Warn("self metrics disabled", "error", err)
		} else {
			g.Go(func() error { return sc.Run(gctx) })
		}
	}
	if h.cfg.Server.Enabled {
		srv := iapi.NewServer(h.cfg.Server.Listen, h.Handler())
		srv.TLSConfig = tc
		g.Go(func() error {
			h.log.Info("status api listening", "addr", srv.Addr, "tls", tc != nil)
			serve := srv.ListenAndServe
			if tc != nil {
				serve = func() error { return srv.ListenAndServeTLS("", "") }
			}
			if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

// Close releases the store, runtimes and sinks in reverse order.
func (h *Healer) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// ErrUpdatesDisabled is returned by NewUpdateWatcher when [updates] is off.
var ErrUpdatesDisabled = errors.New("update watcher disabled ([updates].enabled = false)")

// UpdateWatcher is the update process. It runs apart from the engine and
// shares nothing with it but the store, so neither can stall the other.
type UpdateWatcher struct {
	w     *watcher.Watcher
	store *store.SQL
	log   *slog.Logger
}

func NewUpdateWatcher(ctx context.Context, c *Config, opts ...Option) (*UpdateWatcher, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Updates.Enabled {
		return nil, ErrUpdatesDisabled
	}
	o := buildOptions(c, opts)
	st, err := sfactory.Open(ctx, c.Store, storeRetries)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	lg := o.log.With("component", "watcher")
	w, err := watcher.New(c.Updates, st, watcher.WithClock(o.clock), watcher.WithLogger(lg))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &UpdateWatcher{w: w, store: st, log: lg}, nil
}

// Run watches the media roots until ctx is cancelled.
func (u *UpdateWatcher) Run(ctx context.Context) error { return u.w.Run(ctx) }

// Scan runs a single pass over the roots.
func (u *UpdateWatcher) Scan(ctx context.Context) ([]store.UpdateEvent, error) { return u.w.Scan(ctx) }

func (u *UpdateWatcher) Logger() *slog.Logger { return u.log }

func (u *UpdateWatcher) Close() error { return u.store.Close() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
