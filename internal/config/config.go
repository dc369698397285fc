package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/healer/internal/cron"
	"github.com/loykin/healer/internal/engine"
	"github.com/loykin/healer/internal/gpu"
	"github.com/loykin/healer/internal/inference"
	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/logger"
	"github.com/loykin/healer/internal/probe"
	"github.com/loykin/healer/internal/recovery"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/store"
	"github.com/loykin/healer/internal/threshold"
	htls "github.com/loykin/healer/internal/tls"
	"github.com/loykin/healer/internal/watcher"
)

// ErrInvalid is returned for configuration that cannot be run. It is only
// ever fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Maintenance jobs.
const (
	JobDiskCleanup   = "disk_cleanup"
	JobDBMaintenance = "db_maintenance"
)

// EnvPrefix prefixes environment overrides, e.g. HEALER_REBOOT_ENABLED=true.
const EnvPrefix = "HEALER"

type ServiceConfig struct {
	Name    string `toml:"name" mapstructure:"name"`
	ID      string `toml:"id" mapstructure:"id"`
	Tier    string `toml:"tier" mapstructure:"tier"`
	Runtime string `toml:"runtime" mapstructure:"runtime"`
}

type ProbeConfig struct {
	Name    string        `toml:"name" mapstructure:"name"`
	Kind    string        `toml:"kind" mapstructure:"kind"` // database | object_storage | gpu | generic
	Type    string        `toml:"type" mapstructure:"type"` // http | command | store
	URL     string        `toml:"url" mapstructure:"url"`
	Command string        `toml:"command" mapstructure:"command"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type RuntimeConfig struct {
	Default     string        `toml:"default" mapstructure:"default"` // docker | systemd
	Docker      bool          `toml:"docker" mapstructure:"docker"`
	Systemd     bool          `toml:"systemd" mapstructure:"systemd"`
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
}

// MaintenanceConfig schedules a housekeeping job: disk_cleanup or
// db_maintenance.
type MaintenanceConfig struct {
	Job      string `toml:"job" mapstructure:"job"`
	Schedule string `toml:"schedule" mapstructure:"schedule"` // "@every 6h"
}

type ServerConfig struct {
	Enabled  bool        `toml:"enabled" mapstructure:"enabled"`
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	TLS      htls.Config `toml:"tls" mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled      bool          `toml:"enabled" mapstructure:"enabled"`
	SelfInterval time.Duration `toml:"self_interval" mapstructure:"self_interval"`
}

// Config is the whole TOML file. Every key has a default; a missing file
// yields the defaults.
type Config struct {
	Node                string               `toml:"node" mapstructure:"node"`
	Interval            time.Duration        `toml:"interval" mapstructure:"interval"`
	ConsecutiveFailures int                  `toml:"consecutive_failures" mapstructure:"consecutive_failures"`
	EscalateAfter       int                  `toml:"escalate_after" mapstructure:"escalate_after"`
	Cooldown            time.Duration        `toml:"cooldown" mapstructure:"cooldown"`
	FailureWindow       time.Duration        `toml:"failure_window" mapstructure:"failure_window"`
	ActionTimeout       time.Duration        `toml:"action_timeout" mapstructure:"action_timeout"`
	ProbeTimeout        time.Duration        `toml:"probe_timeout" mapstructure:"probe_timeout"`
	DiskPath            string               `toml:"disk_path" mapstructure:"disk_path"`
	Thresholds          threshold.Thresholds `toml:"thresholds" mapstructure:"thresholds"`

	Store     store.Config           `toml:"store" mapstructure:"store"`
	Runtime   RuntimeConfig          `toml:"runtime" mapstructure:"runtime"`
	Services  []ServiceConfig        `toml:"services" mapstructure:"services"`
	Probes    []ProbeConfig          `toml:"probes" mapstructure:"probes"`
	Cleanup   []recovery.CleanupPath `toml:"cleanup" mapstructure:"cleanup"`
	Maintain  []MaintenanceConfig    `toml:"maintenance" mapstructure:"maintenance"`
	Inference inference.Config       `toml:"inference" mapstructure:"inference"`
	GPU       gpu.Config             `toml:"gpu" mapstructure:"gpu"`
	Reboot    recovery.RebootConfig  `toml:"reboot" mapstructure:"reboot"`
	Updates   watcher.Config         `toml:"updates" mapstructure:"updates"`
	History   []string               `toml:"history" mapstructure:"history"` // sink DSNs
	Server    ServerConfig           `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig          `toml:"metrics" mapstructure:"metrics"`
	Log       logger.Config          `toml:"log" mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	th := threshold.Default()
	rb := recovery.DefaultRebootConfig()

	v.SetDefault("node", "edge")
	v.SetDefault("interval", engine.DefaultInterval)
	v.SetDefault("consecutive_failures", recovery.DefaultConsecutiveFailures)
	v.SetDefault("escalate_after", recovery.DefaultEscalateAfter)
	v.SetDefault("cooldown", ledger.DefaultCooldown)
	v.SetDefault("failure_window", ledger.DefaultWindow)
	v.SetDefault("action_timeout", recovery.DefaultActionTimeout)
	v.SetDefault("probe_timeout", sampler.DefaultProbeTimeout)
	v.SetDefault("disk_path", "/")

	for name, b := range map[string]threshold.Bounds{"cpu": th.CPU, "ram": th.RAM, "gpu": th.GPU, "temperature": th.Temperature} {
		v.SetDefault("thresholds."+name+".warning", b.Warning)
		v.SetDefault("thresholds."+name+".critical", b.Critical)
	}
	v.SetDefault("thresholds.disk.warning", th.Disk.Warning)
	v.SetDefault("thresholds.disk.cleanup", th.Disk.Cleanup)
	v.SetDefault("thresholds.disk.critical", th.Disk.Critical)
	v.SetDefault("thresholds.disk.reboot", th.Disk.Reboot)
	v.SetDefault("thresholds.disk.reboot_override", th.Disk.RebootOverride)

	v.SetDefault("store.dsn", "/var/lib/healer/healer.db")
	v.SetDefault("store.max_open_conns", store.DefaultMaxOpenConns)
	v.SetDefault("store.conn_max_age", 30*time.Minute)
	v.SetDefault("store.query_timeout", store.DefaultQueryTimeout)

	v.SetDefault("runtime.default", "docker")
	v.SetDefault("runtime.docker", true)
	v.SetDefault("runtime.systemd", false)
	v.SetDefault("runtime.stop_timeout", 10*time.Second)

	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.timeout", 5*time.Second)
	v.SetDefault("inference.service", "")

	v.SetDefault("gpu.enabled", false)
	v.SetDefault("gpu.binary", "nvidia-smi")
	v.SetDefault("gpu.index", 0)
	v.SetDefault("gpu.timeout", 10*time.Second)
	v.SetDefault("gpu.throttle_watts", 0)

	v.SetDefault("reboot.enabled", false)
	v.SetDefault("reboot.dry_run", false)
	v.SetDefault("reboot.max_reboots", rb.MaxReboots)
	v.SetDefault("reboot.guard_window", rb.GuardWindow)
	v.SetDefault("reboot.critical_events", rb.CriticalEvents)
	v.SetDefault("reboot.critical_window", rb.CriticalWindow)
	v.SetDefault("reboot.update_grace", rb.UpdateGrace)
	v.SetDefault("reboot.state_path", rb.StatePath)

	v.SetDefault("updates.enabled", true)
	v.SetDefault("updates.roots", []string{"/media"})
	v.SetDefault("updates.pattern", watcher.DefaultPattern)
	v.SetDefault("updates.staging_dir", "/var/lib/healer/updates")
	v.SetDefault("updates.poll_interval", watcher.DefaultPollInterval)
	v.SetDefault("updates.min_age", 5*time.Second)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8089")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", "/var/lib/healer/tls")
	v.SetDefault("server.tls.auto_generate", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.self_interval", 15*time.Second)

	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.path", "")
}

// Load reads the TOML file at path over the defaults and applies HEALER_*
// environment overrides. An empty path or a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		panic(err) // defaults are static and always valid
	}
	return c
}

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, key, fmt.Sprintf(format, args...))
}

// Validate checks every value the engine cannot run with.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("%w: thresholds: %v", ErrInvalid, err)
	}
	for key, d := range map[string]time.Duration{
		"interval": c.Interval, "cooldown": c.Cooldown, "failure_window": c.FailureWindow,
		"action_timeout": c.ActionTimeout, "probe_timeout": c.ProbeTimeout,
	} {
		if d <= 0 {
			return invalid(key, "must be positive, got %s", d)
		}
	}
	if c.ConsecutiveFailures < 1 {
		return invalid("consecutive_failures", "must be at least 1")
	}
	if c.EscalateAfter < 1 {
		return invalid("escalate_after", "must be at least 1")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return invalid("store.dsn", "must not be empty")
	}
	if c.Store.MaxOpenConns < 1 {
		return invalid("store.max_open_conns", "must be at least 1")
	}
	if c.Store.QueryTimeout <= 0 {
		return invalid("store.query_timeout", "must be positive")
	}
	if err := c.validateRuntime(c.Runtime.Default, "runtime.default"); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		key := fmt.Sprintf("services[%d]", i)
		if s.Name == "" {
			return invalid(key, "name is required")
		}
		if seen[s.Name] {
			return invalid(key, "duplicate service %q", s.Name)
		}
		seen[s.Name] = true
		switch sampler.Tier(s.Tier) {
		case "", sampler.TierSystem, sampler.TierApplication, sampler.TierSelf:
		default:
			return invalid(key+".tier", "unknown tier %q", s.Tier)
		}
		if s.Runtime != "" {
			if err := c.validateRuntime(s.Runtime, key+".runtime"); err != nil {
				return err
			}
		}
	}
	if c.Inference.Service != "" && !seen[c.Inference.Service] {
		return invalid("inference.service", "unknown service %q", c.Inference.Service)
	}
	for i, p := range c.Probes {
		if _, err := p.build(nil); err != nil {
			return invalid(fmt.Sprintf("probes[%d]", i), "%v", err)
		}
	}
	for i, m := range c.Maintain {
		key := fmt.Sprintf("maintenance[%d]", i)
		switch m.Job {
		case JobDiskCleanup, JobDBMaintenance:
		default:
			return invalid(key+".job", "unknown job %q (%s | %s)", m.Job, JobDiskCleanup, JobDBMaintenance)
		}
		if err := cron.Validate(m.Schedule); err != nil {
			return invalid(key+".schedule", "%v", err)
		}
	}
	if c.Reboot.MaxReboots < 1 {
		return invalid("reboot.max_reboots", "must be at least 1")
	}
	if c.Reboot.Enabled && c.Reboot.StatePath == "" {
		return invalid("reboot.state_path", "required when reboot is enabled")
	}
	return nil
}

func (c *Config) validateRuntime(name, key string) error {
	switch name {
	case "docker", "systemd":
		return nil
	default:
		return invalid(key, "unknown runtime %q (docker | systemd)", name)
	}
}

// ServiceList converts the service table. An empty tier means application.
func (c *Config) ServiceList() []sampler.Service {
	out := make([]sampler.Service, 0, len(c.Services))
	for _, s := range c.Services {
		tier := sampler.Tier(s.Tier)
		if tier == "" {
			tier = sampler.TierApplication
		}
		out = append(out, sampler.Service{Name: s.Name, ID: s.ID, Tier: tier, Runtime: s.Runtime})
	}
	return out
}

// ProbeSet builds the configured probes. db backs "store" probes; when db is
// set and no store probe is configured one named "store" is added, so a lost
// database connection always reaches critical recovery.
func (c *Config) ProbeSet(db probe.Pinger) ([]probe.Named, error) {
	out := make([]probe.Named, 0, len(c.Probes)+1)
	hasStore := false
	for _, p := range c.Probes {
		n, err := p.build(db)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", p.Name, err)
		}
		if n.Timeout <= 0 {
			n.Timeout = c.ProbeTimeout
		}
		hasStore = hasStore || p.Type == "store"
		out = append(out, n)
	}
	if db != nil && !hasStore {
		out = append(out, probe.Named{Name: "store", Kind: probe.KindDatabase, Timeout: c.ProbeTimeout, Probe: probe.StoreProbe{DB: db}})
	}
	return out, nil
}

func (p ProbeConfig) build(db probe.Pinger) (probe.Named, error) {
	if p.Name == "" {
		return probe.Named{}, errors.New("name is required")
	}
	kind := probe.Kind(p.Kind)
	switch kind {
	case "":
		kind = probe.KindGeneric
	case probe.KindDatabase, probe.KindObjectStorage, probe.KindGPU, probe.KindGeneric:
	default:
		return probe.Named{}, fmt.Errorf("unknown kind %q", p.Kind)
	}
	n := probe.Named{Name: p.Name, Kind: kind, Timeout: p.Timeout}
	switch p.Type {
	case "http":
		if p.URL == "" {
			return probe.Named{}, errors.New("http probe requires url")
		}
		n.Probe = probe.HTTPProbe{URL: p.URL}
	case "command":
		if p.Command == "" {
			return probe.Named{}, errors.New("command probe requires command")
		}
		n.Probe = probe.CommandProbe{Command: p.Command}
	case "store":
		n.Probe = probe.StoreProbe{DB: db}
		if kind == probe.KindGeneric {
			n.Kind = probe.KindDatabase
		}
	default:
		return probe.Named{}, fmt.Errorf("unknown type %q (http | command | store)", p.Type)
	}
	return n, nil
}

// EngineConfig extracts the loop settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Interval:            c.Interval,
		ConsecutiveFailures: c.ConsecutiveFailures,
		EscalateAfter:       c.EscalateAfter,
		Thresholds:          c.Thresholds,
	}
}
