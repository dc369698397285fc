package healer

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/loykin/healer/internal/config"
	"github.com/loykin/healer/internal/recovery"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/store"
)

type staticMetrics struct{ s sampler.ResourceSample }

func (m staticMetrics) Sample(context.Context) (sampler.ResourceSample, error) { return m.s, nil }

type fakeRuntime struct {
	mu       sync.Mutex
	status   map[string]sampler.Status
	restarts []string
}

func (f *fakeRuntime) Status(_ context.Context, id string) (sampler.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[id]; ok {
		return st, nil
	}
	return sampler.StatusHealthy, nil
}

func (f *fakeRuntime) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, id)
	return nil
}

func (f *fakeRuntime) Stop(context.Context, string) error  { return nil }
func (f *fakeRuntime) Start(context.Context, string) error { return nil }

type noReboot struct{}

func (noReboot) Reboot(context.Context) error { return nil }

func testConfig(t *testing.T) *Config {
	t.Helper()
	c, err := LoadConfig("")
	require.NoError(t, err)
	dir := t.TempDir()
	c.Node = "edge-test"
	c.Store.DSN = filepath.Join(dir, "healer.db")
	c.Runtime.Docker = false
	c.Updates.Enabled = false
	c.Metrics.Enabled = false
	c.Server.Enabled = false
	c.Reboot.StatePath = filepath.Join(dir, "reboot.json")
	c.Services = []ServiceConfig{{Name: "api", ID: "api-1"}, {Name: "db", ID: "db-1", Tier: "system"}}
	return c
}

func newTestHealer(t *testing.T, c *Config, rt *fakeRuntime) (*Healer, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h, err := New(context.Background(), c,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock),
		WithMetricsSource(staticMetrics{sampler.ResourceSample{CPU: 20, RAM: 30, Disk: sampler.Disk{Percent: 40}, At: clock.Now()}}),
		WithRuntime("docker", rt),
		WithRebooter(noReboot{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, clock
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Interval = 0
	_, err := New(context.Background(), c)
	require.Error(t, err)
}

func TestQuietNode(t *testing.T) {
	h, _ := newTestHealer(t, testConfig(t), &fakeRuntime{})
	snap := h.Engine().RunOnce(context.Background())

	assert.Empty(t, snap.Plans)
	assert.Len(t, snap.Health, 2)
	acts, err := h.Store().ListActions(context.Background(), store.ActionFilter{})
	require.NoError(t, err)
	assert.Empty(t, acts)
}

func TestRestartsFailedService(t *testing.T) {
	rt := &fakeRuntime{status: map[string]sampler.Status{"api-1": sampler.StatusStopped}}
	h, clock := newTestHealer(t, testConfig(t), rt)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.Engine().RunOnce(ctx)
		clock.Advance(10 * time.Second)
	}

	rt.mu.Lock()
	assert.Equal(t, []string{"api-1"}, rt.restarts)
	rt.mu.Unlock()

	acts, err := h.Store().ListActions(ctx, store.ActionFilter{Target: "api"})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "restart", acts[0].ActionType)
	assert.Equal(t, "success", acts[0].Outcome)
}

func TestHandlerServesStatus(t *testing.T) {
	h, _ := newTestHealer(t, testConfig(t), &fakeRuntime{})
	h.Engine().RunOnce(context.Background())

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cycles":1`)
}

func TestRunStopsOnCancel(t *testing.T) {
	h, _ := newTestHealer(t, testConfig(t), &fakeRuntime{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return h.Engine().Snapshot().Cycles >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScheduledDiskCleanup(t *testing.T) {
	c := testConfig(t)
	logs := t.TempDir()
	old := filepath.Join(logs, "app.log.1")
	require.NoError(t, os.WriteFile(old, []byte("rotated"), 0o600))
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(old, past, past))

	c.Cleanup = []recovery.CleanupPath{{Dir: logs, Pattern: "*.log.*", MaxAge: 24 * time.Hour}}
	c.Maintain = []cfg.MaintenanceConfig{{Job: cfg.JobDiskCleanup, Schedule: "@every 1h"}}
	h, clock := newTestHealer(t, c, &fakeRuntime{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	// engine ticker and cron ticker
	clock.BlockUntil(2)
	clock.Advance(time.Hour)

	require.Eventually(t, func() bool {
		acts, err := h.Store().ListActions(context.Background(), store.ActionFilter{ActionType: "disk_cleanup"})
		return err == nil && len(acts) == 1 && acts[0].Severity == "maintenance"
	}, 5*time.Second, 10*time.Millisecond)
	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidMaintenanceJob(t *testing.T) {
	c := testConfig(t)
	c.Maintain = []cfg.MaintenanceConfig{{Job: "defrag", Schedule: "@every 1h"}}
	_, err := New(context.Background(), c)
	require.ErrorIs(t, err, cfg.ErrInvalid)
}

func TestUpdateWatcherSharesOnlyTheStore(t *testing.T) {
	c := testConfig(t)
	media := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(media, "usb0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(media, "usb0", "app.update.tar.gz"), []byte("bundle"), 0o600))
	c.Updates.Enabled = true
	c.Updates.Roots = []string{media}
	c.Updates.StagingDir = filepath.Join(t.TempDir(), "staging")
	c.Updates.MinAge = 0

	u, err := NewUpdateWatcher(context.Background(), c, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer func() { _ = u.Close() }()
	rows, err := u.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.UpdateStaged, rows[0].Status)

	// the engine side sees the bundle through its own store handle
	h, _ := newTestHealer(t, c, &fakeRuntime{})
	list, err := h.Store().ListUpdates(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, "app.update.tar.gz", list[0].Bundle)
	assert.FileExists(t, filepath.Join(c.Updates.StagingDir, "app.update.tar.gz"))
}

func TestUpdateWatcherDisabled(t *testing.T) {
	_, err := NewUpdateWatcher(context.Background(), testConfig(t))
	require.ErrorIs(t, err, ErrUpdatesDisabled)
}
