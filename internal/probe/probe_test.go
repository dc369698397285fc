package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestBuildShellAwareCommand(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	c := buildShellAwareCommand(ctx, "")
	if c.Path == "" || !strings.Contains(c.String(), "/bin/true") {
		t.Fatalf("expected /bin/true, got %q (%q)", c.Path, c.String())
	}
	c = buildShellAwareCommand(ctx, "mc admin info local")
	if len(c.Args) == 0 || c.Args[0] != "mc" {
		t.Fatalf("expected direct exec mc, got %#v", c.Args)
	}
	c = buildShellAwareCommand(ctx, "echo hi | cat")
	if len(c.Args) < 2 || c.Args[0] != "/bin/sh" || c.Args[1] != "-c" {
		t.Fatalf("expected /bin/sh -c, got %#v", c.Args)
	}
}

func TestCommandProbe(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	if err := (CommandProbe{Command: "true"}).Check(ctx); err != nil {
		t.Fatalf("true should be healthy: %v", err)
	}
	err := CommandProbe{Command: "sh -c 'echo corrupt shard; exit 3'"}.Check(ctx)
	if err == nil || !strings.Contains(err.Error(), "exit 3") || !strings.Contains(err.Error(), "corrupt shard") {
		t.Fatalf("expected exit 3 with output, got %v", err)
	}
	if err := (CommandProbe{Command: "__definitely_not_exists__"}).Check(ctx); err == nil {
		t.Fatal("expected error for missing binary")
	}
	if d := (CommandProbe{Command: "true"}).Describe(); d != "cmd:true" {
		t.Fatalf("Describe mismatch: %q", d)
	}
}

func TestHTTPProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	ctx := context.Background()
	if err := (HTTPProbe{URL: healthy.URL}).Check(ctx); err != nil {
		t.Fatalf("healthy endpoint: %v", err)
	}
	if err := (HTTPProbe{URL: broken.URL}).Check(ctx); err == nil {
		t.Fatal("expected error for 500")
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type slowProbe struct{}

func (slowProbe) Check(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (slowProbe) Describe() string { return "slow" }

func TestRunCollectsFailuresAndTimeouts(t *testing.T) {
	probes := []Named{
		{Name: "db", Kind: KindDatabase, Probe: StoreProbe{DB: pinger{}}},
		{Name: "db-lost", Kind: KindDatabase, Probe: StoreProbe{DB: pinger{err: errors.New("connection refused")}}},
		{Name: "minio", Kind: KindObjectStorage, Timeout: 10 * time.Millisecond, Probe: slowProbe{}},
	}
	res := Run(context.Background(), probes)
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	if res[0].Failed() {
		t.Fatalf("db should pass: %+v", res[0])
	}
	if !strings.Contains(res[1].Err, "database connection lost") {
		t.Fatalf("unexpected db-lost result: %+v", res[1])
	}
	if !res[2].Failed() {
		t.Fatalf("timed out probe must fail: %+v", res[2])
	}
	failed := Failed(res)
	if len(failed) != 2 || failed[1].Kind != KindObjectStorage {
		t.Fatalf("unexpected failed set: %+v", failed)
	}
}
