package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/healer/internal/sampler"
)

var (
	// ErrUnknownRuntime is returned for a service bound to an unregistered runtime.
	ErrUnknownRuntime = errors.New("runtime: unknown runtime")
	// ErrUnsupported is returned when a runtime lacks an optional capability.
	ErrUnsupported = errors.New("runtime: operation not supported")
)

// Runtime controls services of one kind (containers, systemd units).
// Every call is bounded by ctx.
type Runtime interface {
	Status(ctx context.Context, id string) (sampler.Status, error)
	Restart(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
}

// Pruner reclaims runtime owned disk space (dangling images, build cache).
type Pruner interface {
	Prune(ctx context.Context) (reclaimed uint64, err error)
}

// MemoryReporter reports the memory usage of one service in bytes.
type MemoryReporter interface {
	Memory(ctx context.Context, id string) (uint64, error)
}

// Mux routes calls to the runtime a service is bound to.
type Mux struct {
	mu       sync.RWMutex
	def      string
	runtimes map[string]Runtime
}

// NewMux creates a mux; services with an empty Runtime use def.
func NewMux(def string) *Mux {
	return &Mux{def: def, runtimes: make(map[string]Runtime)}
}

func (m *Mux) Register(name string, r Runtime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimes[name] = r
}

func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.runtimes))
	for n := range m.runtimes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) get(svc sampler.Service) (Runtime, error) {
	name := svc.Runtime
	if name == "" {
		name = m.def
	}
	m.mu.RLock()
	r, ok := m.runtimes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q for service %s", ErrUnknownRuntime, name, svc.Name)
	}
	return r, nil
}

func id(svc sampler.Service) string {
	if svc.ID != "" {
		return svc.ID
	}
	return svc.Name
}

func (m *Mux) Status(ctx context.Context, svc sampler.Service) (sampler.Status, error) {
	r, err := m.get(svc)
	if err != nil {
		return sampler.StatusUnknown, err
	}
	return r.Status(ctx, id(svc))
}

func (m *Mux) Restart(ctx context.Context, svc sampler.Service) error {
	r, err := m.get(svc)
	if err != nil {
		return err
	}
	return r.Restart(ctx, id(svc))
}

func (m *Mux) Stop(ctx context.Context, svc sampler.Service) error {
	r, err := m.get(svc)
	if err != nil {
		return err
	}
	return r.Stop(ctx, id(svc))
}

func (m *Mux) Start(ctx context.Context, svc sampler.Service) error {
	r, err := m.get(svc)
	if err != nil {
		return err
	}
	return r.Start(ctx, id(svc))
}

// Memory returns the memory usage of svc when its runtime can report it.
func (m *Mux) Memory(ctx context.Context, svc sampler.Service) (uint64, error) {
	r, err := m.get(svc)
	if err != nil {
		return 0, err
	}
	mr, ok := r.(MemoryReporter)
	if !ok {
		return 0, ErrUnsupported
	}
	return mr.Memory(ctx, id(svc))
}

// Prune runs every registered Pruner and sums what they reclaimed. It keeps
// going after an error and returns the joined errors.
func (m *Mux) Prune(ctx context.Context) (uint64, error) {
	var total uint64
	var errs []error
	for _, n := range m.Names() {
		m.mu.RLock()
		r := m.runtimes[n]
		m.mu.RUnlock()
		p, ok := r.(Pruner)
		if !ok {
			continue
		}
		got, err := p.Prune(ctx)
		total += got
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n, err))
		}
	}
	return total, errors.Join(errs...)
}

// interface guard
var _ sampler.StatusReader = (*Mux)(nil)
