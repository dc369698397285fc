package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/healer/internal/ledger"
)

func TestServiceDownOneActionPerCrossing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewServiceDown(f.deps, 3)

	for i := 0; i < 2; i++ {
		run(ctx, f.cycle(calm(), "llm-service"), h)
		f.clock.Advance(10 * time.Second)
	}
	assert.Empty(t, f.trail.steps())
	assert.Equal(t, StateSuspect, h.States()["llm-service"].State)

	// third consecutive failure crosses the threshold
	run(ctx, f.cycle(calm(), "llm-service"), h)
	assert.Equal(t, []string{"restart:llm-service:success"}, f.trail.steps())
	assert.Equal(t, []string{"restart:llm-service"}, f.ctl.Calls())
	assert.Equal(t, StateRecovering, h.States()["llm-service"].State)
	assert.Equal(t, 1, f.deps.Ledger.FailureCount(ctx, "llm-service"))

	// the next two failed checks build up to a new crossing
	for i := 0; i < 2; i++ {
		f.clock.Advance(10 * time.Second)
		run(ctx, f.cycle(calm(), "llm-service"), h)
	}
	assert.Len(t, f.trail.steps(), 1)
}

func TestServiceDownSecondFailureStopsThenStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewServiceDown(f.deps, 3)

	for i := 0; i < 6; i++ {
		run(ctx, f.cycle(calm(), "llm-service"), h)
		f.clock.Advance(10 * time.Second)
	}
	assert.Equal(t, []string{
		"restart:llm-service:success",
		"stop_start:llm-service:success",
	}, f.trail.steps())
	assert.Equal(t, []string{"restart:llm-service", "stop:llm-service", "start:llm-service"}, f.ctl.Calls())
}

func TestServiceDownThirdFailureEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewServiceDown(f.deps, 1)

	run(ctx, f.cycle(calm(), "api"), h)
	run(ctx, f.cycle(calm(), "api"), h)
	c := f.cycle(calm(), "api")
	run(ctx, c, h)

	require.Len(t, c.Escalations(), 1)
	assert.Equal(t, ledger.ServiceDown, c.Escalations()[0].Source)
	assert.Equal(t, "api", c.Escalations()[0].Target)
	assert.Equal(t, StateEscalated, h.States()["api"].State)
	assert.Equal(t, []string{
		"restart:api:success",
		"stop_start:api:success",
		"escalate:api:success",
	}, f.trail.steps())
}

func TestServiceDownEscalationSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deps.Ledger.RecordFailure(ctx, "api", ledger.ServiceDown)

	// a fresh handler has no in-memory state but reads the persisted count
	h := NewServiceDown(f.deps, 1)
	run(ctx, f.cycle(calm(), "api"), h)
	assert.Equal(t, []string{"stop_start:api:success"}, f.trail.steps())
}

func TestServiceDownIndependentServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctl.fail["restart:api"] = errors.New("container gone")
	h := NewServiceDown(f.deps, 1)

	run(ctx, f.cycle(calm(), "llm-service", "api"), h)
	// name order, and a failed restart does not stop the next service
	assert.Equal(t, []string{"restart:api", "restart:llm-service"}, f.ctl.Calls())
	assert.Equal(t, []string{"restart:api:failed", "restart:llm-service:success"}, f.trail.steps())
}

func TestServiceDownSkipsSelfAndResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewServiceDown(f.deps, 1)

	run(ctx, f.cycle(calm(), "healer", "api"), h)
	assert.Equal(t, []string{"restart:api"}, f.ctl.Calls())

	run(ctx, f.cycle(calm()), h)
	assert.Equal(t, StateHealthy, h.States()["api"].State)
	failures, err := f.db.ListFailures(ctx, "api", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Resolved)
}

func TestServiceDownResolvesFailuresLeftBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// a failure recorded by a previous healer process that never saw recovery
	f.deps.Ledger.RecordFailure(ctx, "api", ledger.ServiceDown)

	h := NewServiceDown(f.deps, 1)
	plans := run(ctx, f.cycle(calm()), h)
	assert.Empty(t, plans)
	assert.Empty(t, f.ctl.Calls())

	failures, err := f.db.ListFailures(ctx, "api", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Resolved)
}
