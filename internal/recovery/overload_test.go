package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/store"
	"github.com/loykin/healer/internal/threshold"
)

func withRAM(v float64) sampler.ResourceSample {
	s := calm()
	s.RAM = v
	return s
}

func TestOverloadFallbackOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inf.fail["cache_clear"] = errors.New("502 bad gateway")

	run(ctx, f.cycle(withRAM(96)), NewOverload(f.deps, 0))
	assert.Equal(t, []string{
		"cache_clear:inference:failed",
		"session_reset:inference:success",
	}, f.trail.steps())

	// both attempts are in the persisted audit trail
	got, err := f.db.ListActions(ctx, store.ActionFilter{Target: "inference"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestOverloadFallbackOnTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inf.block["cache_clear"] = true

	run(ctx, f.cycle(withRAM(96)), NewOverload(f.deps, 0))
	assert.Equal(t, []string{
		"cache_clear:inference:failed",
		"session_reset:inference:success",
	}, f.trail.steps())
}

func TestOverloadRAMLadderEndsWithHeaviestConsumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, op := range []string{"cache_clear", "session_reset", "unload"} {
		f.inf.fail[op] = errors.New("unavailable")
	}
	f.ctl.memory["api"] = 512 << 20
	f.ctl.memory["llm-service"] = 6 << 30

	run(ctx, f.cycle(withRAM(96)), NewOverload(f.deps, 0))
	assert.Equal(t, []string{
		"cache_clear:inference:failed",
		"session_reset:inference:failed",
		"unload:inference:failed",
		"restart:llm-service:success",
	}, f.trail.steps())
	assert.Equal(t, []string{"restart:llm-service"}, f.ctl.Calls())

	// audit and cooldown name the service that was bounced
	got, err := f.db.ListActions(ctx, store.ActionFilter{Target: "llm-service", ActionType: ledger.ActionRestart})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.True(t, f.deps.Ledger.OnCooldown(ledger.ActionRestart, "llm-service"))
	assert.False(t, f.deps.Ledger.OnCooldown(ledger.ActionRestart, "heaviest"))
}

func TestOverloadHeaviestOnCooldownIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, op := range []string{"cache_clear", "session_reset", "unload"} {
		f.inf.fail[op] = errors.New("unavailable")
	}
	f.ctl.memory["llm-service"] = 6 << 30
	// a category A restart of the same service a minute ago
	f.deps.Ledger.Record(ctx, ledger.RecoveryAction{ActionType: ledger.ActionRestart, Target: "llm-service",
		Severity: string(ledger.ServiceDown), Outcome: ledger.OutcomeSuccess})
	f.trail.reset()
	f.clock.Advance(time.Minute)

	run(ctx, f.cycle(withRAM(96)), NewOverload(f.deps, 0))
	assert.Empty(t, f.ctl.Calls())
	assert.NotContains(t, f.trail.steps(), "restart:llm-service:success")
}

func TestOverloadCooldownSkipsWithoutRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewOverload(f.deps, 10)

	run(ctx, f.cycle(withRAM(96)), h)
	f.clock.Advance(10 * time.Second)
	run(ctx, f.cycle(withRAM(96)), h)
	f.clock.Advance(4 * time.Minute)
	run(ctx, f.cycle(withRAM(96)), h)
	assert.Equal(t, []string{"cache_clear:inference:success"}, f.trail.steps())

	f.clock.Advance(time.Minute)
	run(ctx, f.cycle(withRAM(96)), h)
	assert.Len(t, f.trail.steps(), 2)
}

func TestOverloadSharedRungAdvancesPastCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := withRAM(96)
	s.CPU = 99

	run(ctx, f.cycle(s), NewOverload(f.deps, 0))
	// cpu took the cache clear; the ram ladder moves on to its next rung
	assert.Equal(t, []string{
		"cache_clear:inference:success",
		"session_reset:inference:success",
	}, f.trail.steps())
}

func TestOverloadTemperature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := &fakeGPU{}
	f.deps.GPU = g

	warm := calm()
	warm.Temperature = 78
	run(ctx, f.cycle(warm), NewOverload(f.deps, 0))
	assert.Equal(t, []string{"throttle:inference:success"}, f.trail.steps())

	f.trail.reset()
	f.clock.Advance(6 * time.Minute)
	f.inf.fail["throttle"] = errors.New("unsupported")
	g.throttleErr = errors.New("power limit locked")
	hot := calm()
	hot.Temperature = 90
	run(ctx, f.cycle(hot), NewOverload(f.deps, 0))
	assert.Equal(t, []string{
		"throttle:inference:failed",
		"gpu_throttle:gpu:failed",
		"restart:llm-service:success",
	}, f.trail.steps())
}

func TestOverloadEscalatesAfterConsecutiveCriticalCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewOverload(f.deps, 3)

	gpuHot := calm()
	gpuHot.GPU = 99
	var last *Cycle
	for i := 0; i < 3; i++ {
		// a stale cycle in between leaves the streak untouched
		stale := f.cycle(calm())
		stale.Resources.Stale = true
		run(ctx, stale, h)
		last = f.cycle(gpuHot)
		run(ctx, last, h)
		f.clock.Advance(10 * time.Second)
	}
	require.Len(t, last.Escalations(), 1)
	e := last.Escalations()[0]
	assert.Equal(t, ledger.Overload, e.Source)
	assert.Equal(t, string(threshold.GPU), e.Target)
	assert.True(t, e.GPU)
	assert.Contains(t, f.trail.steps(), "escalate:gpu:success")
	assert.Equal(t, 0, h.Streaks()[threshold.GPU])

	run(ctx, f.cycle(calm()), h)
	assert.Equal(t, 0, h.Streaks()[threshold.GPU])
}

func TestOverloadDiskCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	old := filepath.Join(dir, "trace.log")
	fresh := filepath.Join(dir, "current.log")
	require.NoError(t, os.WriteFile(old, make([]byte, 4096), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))
	past := f.clock.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	now := f.clock.Now()
	require.NoError(t, os.Chtimes(fresh, now, now))
	f.deps.Cleaner = &Cleaner{
		Paths: []CleanupPath{{Dir: dir, Pattern: "*.log", MaxAge: 24 * time.Hour}},
		Clock: f.clock,
	}

	s := calm()
	s.Disk.Percent = 86
	run(ctx, f.cycle(s), NewOverload(f.deps, 0))
	assert.Equal(t, []string{"disk_cleanup:edge-1:success"}, f.trail.steps())
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

type prunerFunc func(ctx context.Context) (uint64, error)

func (p prunerFunc) Prune(ctx context.Context) (uint64, error) { return p(ctx) }

func TestCleanerJoinsErrorsAndCountsBytes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tmp"), make([]byte, 100), 0o600))
	c := &Cleaner{
		Paths: []CleanupPath{{Dir: dir}, {Dir: filepath.Join(dir, "missing")}},
		Pruner: prunerFunc(func(context.Context) (uint64, error) {
			return 1000, errors.New("daemon busy")
		}),
	}
	freed, err := c.Clean(context.Background())
	assert.Equal(t, uint64(1100), freed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon busy")
}
