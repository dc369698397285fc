package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/loykin/healer/internal/sampler"
)

// API is the subset of the moby client used here. *client.Client satisfies it.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ImagesPrune(ctx context.Context, pruneFilters filters.Args) (image.PruneReport, error)
	Close() error
}

// Runtime controls docker containers by name or id.
type Runtime struct {
	api         API
	stopTimeout int // seconds the daemon waits before SIGKILL
}

// DefaultStopTimeout is the grace period given to a container on stop and restart.
const DefaultStopTimeout = 10 * time.Second

// New connects to the daemon from the environment (DOCKER_HOST etc.) and
// negotiates the API version.
func New(stopTimeout time.Duration) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewWithAPI(cli, stopTimeout), nil
}

func NewWithAPI(api API, stopTimeout time.Duration) *Runtime {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Runtime{api: api, stopTimeout: int(stopTimeout / time.Second)}
}

func (r *Runtime) Close() error { return r.api.Close() }

// Status maps the container state and health check onto a service status.
// A missing container is reported as stopped.
func (r *Runtime) Status(ctx context.Context, id string) (sampler.Status, error) {
	info, err := r.api.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return sampler.StatusStopped, nil
		}
		return sampler.StatusUnknown, err
	}
	st := info.State
	if st == nil {
		return sampler.StatusUnknown, fmt.Errorf("container %s: no state", id)
	}
	if !st.Running {
		if st.Restarting {
			return sampler.StatusUnhealthy, nil
		}
		return sampler.StatusStopped, nil
	}
	if st.Paused || st.Dead {
		return sampler.StatusUnhealthy, nil
	}
	if st.Health != nil && st.Health.Status == "unhealthy" {
		return sampler.StatusUnhealthy, nil
	}
	return sampler.StatusHealthy, nil
}

func (r *Runtime) stopOptions() container.StopOptions {
	t := r.stopTimeout
	return container.StopOptions{Timeout: &t}
}

func (r *Runtime) Restart(ctx context.Context, id string) error {
	if err := r.api.ContainerRestart(ctx, id, r.stopOptions()); err != nil {
		return fmt.Errorf("restart container %s: %w", id, err)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	if err := r.api.ContainerStop(ctx, id, r.stopOptions()); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// Memory returns the current memory usage of the container.
func (r *Runtime) Memory(ctx context.Context, id string) (uint64, error) {
	stats, err := r.api.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stats.Body.Close() }()
	var body struct {
		MemoryStats struct {
			Usage uint64 `json:"usage"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(stats.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode stats for %s: %w", id, err)
	}
	return body.MemoryStats.Usage, nil
}

// Prune removes dangling images.
func (r *Runtime) Prune(ctx context.Context) (uint64, error) {
	rep, err := r.api.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return 0, err
	}
	return rep.SpaceReclaimed, nil
}
