package systemd

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/login1"
	godbus "github.com/godbus/dbus/v5"

	"github.com/loykin/healer/internal/sampler"
)

// Conn is the subset of the systemd dbus connection used here.
type Conn interface {
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// ErrNoSuchUnit is returned for units systemd does not know.
var ErrNoSuchUnit = errors.New("systemd: no such unit")

// Runtime controls systemd units over dbus.
type Runtime struct {
	conn Conn
}

// New opens a connection to the system bus.
func New(ctx context.Context) (*Runtime, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd dbus: %w", err)
	}
	return &Runtime{conn: conn}, nil
}

func NewWithConn(c Conn) *Runtime { return &Runtime{conn: c} }

func (r *Runtime) Close() { r.conn.Close() }

func (r *Runtime) Status(ctx context.Context, unit string) (sampler.Status, error) {
	units, err := r.conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return sampler.StatusUnknown, err
	}
	if len(units) == 0 || units[0].LoadState == "not-found" {
		return sampler.StatusStopped, nil
	}
	switch units[0].ActiveState {
	case "active", "reloading", "activating":
		return sampler.StatusHealthy, nil
	case "failed":
		return sampler.StatusUnhealthy, nil
	default: // inactive, deactivating
		return sampler.StatusStopped, nil
	}
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// run queues a job and waits for its result or ctx.
func (r *Runtime) run(ctx context.Context, verb, unit string, fn jobFunc) error {
	ch := make(chan string, 1)
	if _, err := fn(ctx, unit, "replace", ch); err != nil {
		if isNoSuchUnitError(err) {
			return fmt.Errorf("%w: %s", ErrNoSuchUnit, unit)
		}
		return fmt.Errorf("%s unit %s: %w", verb, unit, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s unit %s: job %s", verb, unit, res)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s unit %s: %w", verb, unit, ctx.Err())
	}
}

func (r *Runtime) Restart(ctx context.Context, unit string) error {
	return r.run(ctx, "restart", unit, r.conn.RestartUnitContext)
}

func (r *Runtime) Stop(ctx context.Context, unit string) error {
	return r.run(ctx, "stop", unit, r.conn.StopUnitContext)
}

func (r *Runtime) Start(ctx context.Context, unit string) error {
	return r.run(ctx, "start", unit, r.conn.StartUnitContext)
}

func isNoSuchUnitError(err error) bool {
	var dbusErr godbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == "org.freedesktop.systemd1.NoSuchUnit"
	}
	var dbusErrPtr *godbus.Error
	if errors.As(err, &dbusErrPtr) {
		return dbusErrPtr.Name == "org.freedesktop.systemd1.NoSuchUnit"
	}
	return false
}

// Rebooter reboots the node through systemd-logind.
type Rebooter struct{}

func (Rebooter) Reboot(context.Context) error {
	conn, err := login1.New()
	if err != nil {
		return fmt.Errorf("login1: %w", err)
	}
	defer conn.Close()
	conn.Reboot(false)
	return nil
}
