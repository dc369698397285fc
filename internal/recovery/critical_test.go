package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/healer/internal/gpu"
	"github.com/loykin/healer/internal/ledger"
	"github.com/loykin/healer/internal/probe"
	"github.com/loykin/healer/internal/store"
)

type maintainerFunc func(ctx context.Context) error

func (m maintainerFunc) Maintain(ctx context.Context) error { return m(ctx) }

func TestCriticalRunsEveryStepInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctl.fail["restart:api"] = errors.New("timeout")

	c := f.cycle(calm())
	c.Escalate(Escalation{Source: ledger.ServiceDown, Target: "api", Reason: "api failed 3 times"})
	run(ctx, c, NewCritical(f.deps))

	// system and self tier services are never hard restarted
	assert.Equal(t, []string{"restart:api", "restart:llm-service"}, f.ctl.Calls())
	assert.Equal(t, []string{
		"hard_restart:api:failed",
		"hard_restart:llm-service:success",
		"db_maintenance:database:success",
		"critical_recovery:edge-1:partial",
	}, f.trail.steps())

	n, err := f.deps.Ledger.CriticalEvents(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCriticalCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewCritical(f.deps)
	for _, svc := range []string{"api", "llm-service", "api"} {
		f.deps.Ledger.RecordFailure(ctx, svc, ledger.ServiceDown)
	}

	require.Len(t, run(ctx, f.cycle(calm()), h), 1)
	f.clock.Advance(time.Minute)
	assert.Empty(t, run(ctx, f.cycle(calm()), h))
	f.clock.Advance(5 * time.Minute)
	// cooldown is over and the failures are still inside the window
	assert.Len(t, run(ctx, f.cycle(calm()), h), 1)
}

func TestCriticalProbeFailureAndGPU(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := &fakeGPU{resetErr: fmt.Errorf("%w: GPU has fallen off the bus", gpu.ErrGPULost)}
	f.deps.GPU = g
	f.deps.Store = maintainerFunc(func(context.Context) error {
		return fmt.Errorf("%w: page 12 corrupt", store.ErrInconsistent)
	})

	c := f.cycle(calm())
	c.Probes = []probe.Result{{Name: "nvidia", Kind: probe.KindGPU, Err: "query timed out"}}
	run(ctx, c, NewCritical(f.deps))

	assert.Equal(t, 1, g.resets)
	assert.True(t, c.GPULost)
	assert.True(t, c.DBInconsistent)
	assert.Contains(t, f.trail.steps(), "gpu_reset:gpu:failed")
	assert.Contains(t, f.trail.steps(), "db_maintenance:database:failed")
}

func TestCriticalNoGPUIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deps.GPU = &fakeGPU{resetErr: gpu.ErrNoGPU}
	f.deps.Services = nil

	c := f.cycle(calm())
	c.Escalate(Escalation{Source: ledger.Overload, Target: "gpu", Reason: "gpu hot", GPU: true})
	run(ctx, c, NewCritical(f.deps))
	assert.Equal(t, []string{
		"db_maintenance:database:success",
		"critical_recovery:edge-1:success",
	}, f.trail.steps())
	assert.False(t, c.GPULost)
}

func TestCriticalIdleWithoutTrigger(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, NewCritical(f.deps).Evaluate(context.Background(), f.cycle(calm())))
}
