// Package cron runs periodic maintenance jobs next to the healing loop.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Job is a periodic task. Schedule supports only "@every <duration>".
// A tick that arrives while the previous run is still going is skipped.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	running atomic.Bool
	period  time.Duration
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

// Validate checks a schedule expression without building a job.
func Validate(schedule string) error {
	_, err := parseEvery(schedule)
	return err
}

type Scheduler struct {
	clock clockwork.Clock
	log   *slog.Logger
	jobs  []*Job
	names map[string]bool
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{clock: clockwork.NewRealClock(), log: slog.Default(), names: make(map[string]bool)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a job. Names must be unique within the scheduler.
func (s *Scheduler) Add(j *Job) error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has nothing to run", j.Name)
	}
	if s.names[j.Name] {
		return fmt.Errorf("duplicate cron job %s", j.Name)
	}
	d, err := parseEvery(j.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	j.period = d
	s.names[j.Name] = true
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *Scheduler) Len() int { return len(s.jobs) }

// Run ticks every job until ctx is cancelled, then waits for runs in
// progress. Runs see a context that is not cancelled with ctx, so a
// maintenance step is never cut short.
func (s *Scheduler) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			s.loop(ctx, work, j, &wg)
		}(j)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx, work context.Context, j *Job, wg *sync.WaitGroup) {
	t := s.clock.NewTicker(j.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if !j.running.CompareAndSwap(false, true) {
				s.log.Debug("cron job still running, tick skipped", "job", j.Name)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer j.running.Store(false)
				s.fire(work, j)
			}()
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cron job panicked", "job", j.Name, "panic", r)
		}
	}()
	start := s.clock.Now()
	if err := j.Run(ctx); err != nil {
		s.log.Warn("cron job failed", "job", j.Name, "error", err)
		return
	}
	s.log.Debug("cron job done", "job", j.Name, "took", s.clock.Since(start))
}
