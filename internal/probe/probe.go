package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Probe is a cross-cutting health check outside the per-service status
// queries, e.g. the database connection or object storage integrity.
// It must be safe for concurrent use.
type Probe interface {
	// Check returns nil when the probed resource is healthy.
	Check(ctx context.Context) error
	// Describe returns a human-readable description of the probe.
	Describe() string
}

// Kind tags what a probe watches so critical recovery can pick its steps.
type Kind string

const (
	KindDatabase      Kind = "database"
	KindObjectStorage Kind = "object_storage"
	KindGPU           Kind = "gpu"
	KindGeneric       Kind = "generic"
)

// Named binds a probe to a name and kind from configuration.
type Named struct {
	Name    string
	Kind    Kind
	Timeout time.Duration
	Probe
}

// Result is the outcome of one named probe.
type Result struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Err  string `json:"error,omitempty"`
}

func (r Result) Failed() bool { return r.Err != "" }

// DefaultTimeout bounds a probe without an explicit timeout.
const DefaultTimeout = 5 * time.Second

// Run executes every probe in order, each under its own timeout. A timed
// out probe is a failed probe.
func Run(ctx context.Context, probes []Named) []Result {
	out := make([]Result, 0, len(probes))
	for _, p := range probes {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Check(pctx)
		if err == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s: %w", p.Describe(), pctx.Err())
		}
		cancel()
		r := Result{Name: p.Name, Kind: p.Kind}
		if err != nil {
			r.Err = err.Error()
		}
		out = append(out, r)
	}
	return out
}

// Failed returns the failed results.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}
