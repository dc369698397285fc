package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/healer"
	"github.com/loykin/healer/internal/engine"
	"github.com/loykin/healer/internal/sampler"
	"github.com/loykin/healer/internal/store"
)

type calmMetrics struct{}

func (calmMetrics) Sample(context.Context) (sampler.ResourceSample, error) {
	return sampler.ResourceSample{CPU: 10, RAM: 20, Disk: sampler.Disk{Percent: 30}, At: time.Now()}, nil
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
node = "edge-cli"

[store]
dsn = %q

[runtime]
docker = false

[updates]
enabled = false

[reboot]
state_path = %q
`, filepath.Join(dir, "healer.db"), filepath.Join(dir, "reboot.json"))
	p := filepath.Join(dir, "healer.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot(healer.WithMetricsSource(calmMetrics{}))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, sub := range []string{"serve", "check", "audit", "validate-reboot", "watch-updates", "scan-updates"} {
		if !strings.Contains(out, sub) {
			t.Fatalf("help misses %s: %s", sub, out)
		}
	}
}

func TestCheckHealthyNode(t *testing.T) {
	out, err := execute(t, "check", "--config", writeConfig(t))
	if err != nil {
		t.Fatalf("check failed: %v out=%s", err, out)
	}
	if !strings.Contains(out, "healthy") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestAuditActions(t *testing.T) {
	cfgPath := writeConfig(t)
	cfg, err := healer.LoadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	st, err := healer.OpenStore(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	rec := store.ActionRecord{ID: "a1", ActionType: "restart", Target: "api", Severity: "service_down", Outcome: "success", At: time.Now().UTC()}
	if err := st.RecordAction(ctx, rec); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	out, err := execute(t, "audit", "actions", "--config", cfgPath, "--target", "api")
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if !strings.Contains(out, "restart") || !strings.Contains(out, "TARGET") {
		t.Fatalf("unexpected table: %s", out)
	}

	out, err = execute(t, "audit", "actions", "--config", cfgPath, "--json")
	if err != nil {
		t.Fatalf("audit --json failed: %v", err)
	}
	var rows []store.ActionRecord
	if err := json.Unmarshal([]byte(out), &rows); err != nil || len(rows) != 1 {
		t.Fatalf("unexpected json %q: %v", out, err)
	}
}

func TestStatusFromAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(engine.Snapshot{Cycle: "c-9", Cycles: 9})
	}))
	defer srv.Close()

	out, err := execute(t, "status", "--api-url", srv.URL+"/api")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, `"cycle": "c-9"`) {
		t.Fatalf("unexpected output: %s", out)
	}

	if _, err := execute(t, "status", "--api-url", srv.URL+"/nope"); err == nil {
		t.Fatal("expected an error for a 404")
	}
}

func TestScanUpdatesDisabled(t *testing.T) {
	if _, err := execute(t, "scan-updates", "--config", writeConfig(t)); err == nil {
		t.Fatal("expected an error when the watcher is disabled")
	}
}
