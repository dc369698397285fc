package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/store"
	"github.com/loykin/healer/internal/threshold"
)

func withDisk(v float64) sampler.ResourceSample {
	s := calm()
	s.Disk.Percent = v
	return s
}

func newArbiter(t *testing.T, f *fixture, mutate func(*RebootConfig)) (*RebootArbiter, *fakeRebooter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reboot-state.json")
	cfg := RebootConfig{Enabled: true, MaxReboots: 3, GuardWindow: time.Hour, StatePath: path}
	if mutate != nil {
		mutate(&cfg)
	}
	r := &fakeRebooter{}
	return NewRebootArbiter(f.deps, cfg, threshold.Default().Disk, f.db, r), r, path
}

func (f *fixture) seedReboots(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.db.SaveRebootState(context.Background(), store.RebootState{
			ID:     uuid.NewString(),
			At:     f.clock.Now().Add(-time.Duration(i+1) * 5 * time.Minute),
			Reason: "seed",
		}))
	}
}

func TestRebootDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	h := NewRebootArbiter(f.deps, DefaultRebootConfig(), threshold.Default().Disk, f.db, &fakeRebooter{})
	assert.Nil(t, h.Evaluate(context.Background(), f.cycle(withDisk(98))))
}

func TestRebootIssuedWithPersistedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, r, path := newArbiter(t, f, nil)

	c := f.cycle(withDisk(98))
	plans := run(ctx, c, h)
	require.Len(t, plans, 1)
	assert.True(t, plans[0].ClaimsNode())
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, []string{"reboot:edge-1:success"}, f.trail.steps())

	st, err := ReadState(path)
	require.NoError(t, err)
	assert.InDelta(t, 98, st.PreReboot.DiskPercent, 0.001)
	assert.False(t, st.Bypassed)
	pending, err := f.db.PendingRebootState(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.ID, pending.ID)
}

func TestRebootLoopGuardBypassedAboveOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReboots(t, 5)
	h, r, path := newArbiter(t, f, nil)

	run(ctx, f.cycle(withDisk(98)), h)
	assert.Equal(t, 1, r.calls)
	require.Len(t, f.trail.actions, 1)
	assert.Equal(t, "bypassed", f.trail.actions[0].Outcome)
	assert.Contains(t, f.trail.actions[0].Detail, "loop guard bypassed")
	st, err := ReadState(path)
	require.NoError(t, err)
	assert.True(t, st.Bypassed)
}

func TestRebootLoopGuardRefuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, r, path := newArbiter(t, f, nil)

	// the (max+1)th reboot inside the window is refused below the override
	f.seedReboots(t, 2)
	c := f.cycle(withDisk(97.2))
	require.NotNil(t, h.Evaluate(ctx, c))
	f.seedReboots(t, 1)
	plans := run(ctx, c, h)
	require.Len(t, plans, 1)
	assert.False(t, plans[0].ClaimsNode())
	assert.Equal(t, 0, r.calls)
	assert.Equal(t, []string{"reboot:edge-1:refused"}, f.trail.steps())
	assert.NoFileExists(t, path)

	// refusal starts the cooldown too
	assert.Empty(t, run(ctx, c, h))
}

func TestRebootTriggers(t *testing.T) {
	ctx := context.Background()

	t.Run("database inconsistent", func(t *testing.T) {
		f := newFixture(t)
		h, r, _ := newArbiter(t, f, nil)
		c := f.cycle(calm())
		c.DBInconsistent = true
		run(ctx, c, h)
		assert.Equal(t, 1, r.calls)
	})
	t.Run("gpu lost", func(t *testing.T) {
		f := newFixture(t)
		h, r, _ := newArbiter(t, f, nil)
		c := f.cycle(calm())
		c.GPULost = true
		run(ctx, c, h)
		assert.Equal(t, 1, r.calls)
	})
	t.Run("critical events", func(t *testing.T) {
		f := newFixture(t)
		h, r, _ := newArbiter(t, f, nil)
		for i := 0; i < 3; i++ {
			f.deps.Ledger.RecordCritical(ctx, "edge-1", "test")
			f.clock.Advance(5 * time.Minute)
		}
		run(ctx, f.cycle(calm()), h)
		assert.Equal(t, 1, r.calls)
	})
	t.Run("critical events outside window", func(t *testing.T) {
		f := newFixture(t)
		h, r, _ := newArbiter(t, f, nil)
		for i := 0; i < 3; i++ {
			f.deps.Ledger.RecordCritical(ctx, "edge-1", "test")
			f.clock.Advance(20 * time.Minute)
		}
		assert.Nil(t, h.Evaluate(ctx, f.cycle(calm())))
		assert.Equal(t, 0, r.calls)
	})
}

func TestRebootHeldWhileUpdateStaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, r, _ := newArbiter(t, f, nil)
	require.NoError(t, f.db.RecordUpdate(ctx, store.UpdateEvent{
		ID: "b1", Source: "/media/usb0", Bundle: "app-2.4.update.tar.gz", Status: store.UpdateStaging, At: f.clock.Now(),
	}))

	run(ctx, f.cycle(withDisk(98)), h)
	assert.Equal(t, 0, r.calls)
	require.Len(t, f.trail.actions, 1)
	assert.Contains(t, f.trail.actions[0].Detail, "staging")
}

func TestRebootDryRun(t *testing.T) {
	f := newFixture(t)
	h, r, path := newArbiter(t, f, func(c *RebootConfig) { c.DryRun = true })
	run(context.Background(), f.cycle(withDisk(98)), h)
	assert.Equal(t, 0, r.calls)
	assert.Equal(t, []string{"reboot:edge-1:dry_run"}, f.trail.steps())
	assert.NoFileExists(t, path)
}

func TestRebootAbortsWhenStateCannotBeWritten(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	h, r, _ := newArbiter(t, f, func(c *RebootConfig) { c.StatePath = filepath.Join(blocker, "state.json") })

	run(context.Background(), f.cycle(withDisk(98)), h)
	assert.Equal(t, 0, r.calls)
	assert.Equal(t, []string{"reboot:edge-1:failed"}, f.trail.steps())
}

func TestValidatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, _, path := newArbiter(t, f, nil)

	_, err := h.ValidatePending(ctx, calm())
	require.ErrorIs(t, err, store.ErrNotFound)

	run(ctx, f.cycle(withDisk(98)), h)
	f.trail.reset()
	f.clock.Advance(3 * time.Minute)

	// after boot: a fresh arbiter over the same store and state file
	after, _, _ := newArbiter(t, f, func(c *RebootConfig) { c.StatePath = path })
	st, err := after.ValidatePending(ctx, withDisk(61))
	require.NoError(t, err)
	require.NotNil(t, st.ValidatedAt)
	assert.Equal(t, []string{"post_reboot_validation:edge-1:success"}, f.trail.steps())
	assert.NoFileExists(t, path)

	_, err = f.db.PendingRebootState(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
}
