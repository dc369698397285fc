package gpu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoGPU is returned when no NVIDIA tooling or device is present.
	// Callers treat it as "nothing to do".
	ErrNoGPU = errors.New("gpu: no device available")
	// ErrGPULost marks a permanent, hardware level failure. Only a reboot
	// can bring the device back.
	ErrGPULost = errors.New("gpu: device lost")
)

// markers printed by nvidia-smi when the device fell off the bus or the
// driver can no longer talk to it.
var lostMarkers = []string{
	"gpu is lost",
	"fallen off the bus",
	"unable to determine the device handle",
	"unknown error",
}

// Stats is a reading of the managed GPU.
type Stats struct {
	Utilization float64 `json:"utilization"`
	Temperature float64 `json:"temperature"`
	PowerDraw   float64 `json:"power_draw"`
}

// Runner executes an external tool and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- binary and arguments come from configuration, not user input
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Config controls the GPU subsystem.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	Binary        string        `mapstructure:"binary"`         // nvidia-smi path (default "nvidia-smi")
	Index         int           `mapstructure:"index"`          // device index
	Timeout       time.Duration `mapstructure:"timeout"`        // per invocation
	ThrottleWatts int           `mapstructure:"throttle_watts"` // power limit applied by Throttle; 0 disables
}

// Manager exposes the vendor specific recovery primitives.
type Manager struct {
	cfg    Config
	runner Runner
	log    *slog.Logger
}

func New(cfg Config, runner Runner, log *slog.Logger) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = "nvidia-smi"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, runner: runner, log: log}
}

func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	out, err := m.runner.Run(cctx, m.cfg.Binary, args...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return text, ErrNoGPU
		}
		if isLost(text) {
			return text, fmt.Errorf("%w: %s", ErrGPULost, text)
		}
		if cctx.Err() != nil {
			return text, fmt.Errorf("nvidia-smi %s: %w", strings.Join(args, " "), cctx.Err())
		}
		return text, fmt.Errorf("nvidia-smi %s: %w: %s", strings.Join(args, " "), err, text)
	}
	if isLost(text) {
		return text, fmt.Errorf("%w: %s", ErrGPULost, text)
	}
	return text, nil
}

func isLost(out string) bool {
	lower := strings.ToLower(out)
	for _, m := range lostMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func (m *Manager) index() string { return strconv.Itoa(m.cfg.Index) }

// Stats queries utilization, temperature and power draw.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	out, err := m.run(ctx, "-i", m.index(),
		"--query-gpu=utilization.gpu,temperature.gpu,power.draw",
		"--format=csv,noheader,nounits")
	if err != nil {
		return Stats{}, err
	}
	return parseStats(out)
}

func parseStats(out string) (Stats, error) {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return Stats{}, fmt.Errorf("unexpected nvidia-smi output %q", line)
	}
	var st Stats
	var err error
	if st.Utilization, err = parseField(fields[0]); err != nil {
		return Stats{}, err
	}
	if st.Temperature, err = parseField(fields[1]); err != nil {
		return Stats{}, err
	}
	if len(fields) > 2 {
		// power.draw reports "[N/A]" on boards without a sensor
		st.PowerDraw, _ = parseField(fields[2])
	}
	return st, nil
}

func parseField(s string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse nvidia-smi field %q: %w", s, err)
	}
	return v, nil
}

// Health returns ErrGPULost when the device is permanently gone, ErrNoGPU
// when there is no device to check, nil otherwise.
func (m *Manager) Health(ctx context.Context) error {
	_, err := m.run(ctx, "-i", m.index(), "--query-gpu=pci.bus_id", "--format=csv,noheader")
	if err != nil && !errors.Is(err, ErrGPULost) && !errors.Is(err, ErrNoGPU) {
		// transient: a timed out query is a failed probe, not a lost device
		m.log.Debug("gpu health query failed", "error", err)
		return nil
	}
	return err
}

// Reset performs a hardware level reset of the device.
func (m *Manager) Reset(ctx context.Context) error {
	m.log.Warn("resetting gpu", "index", m.cfg.Index)
	_, err := m.run(ctx, "-i", m.index(), "--gpu-reset")
	return err
}

// Throttle caps the board power limit to ThrottleWatts.
func (m *Manager) Throttle(ctx context.Context) error {
	if m.cfg.ThrottleWatts <= 0 {
		return errors.New("gpu throttling disabled (throttle_watts not set)")
	}
	_, err := m.run(ctx, "-i", m.index(), "-pl", strconv.Itoa(m.cfg.ThrottleWatts))
	return err
}
