package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
)

// CleanupPath is a directory whose old files may be removed under disk pressure.
type CleanupPath struct {
	Dir     string        `mapstructure:"dir"`
	Pattern string        `mapstructure:"pattern"` // filepath.Match on the base name, empty = all
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// Cleaner frees disk space: stale files under the configured paths first,
// then runtime owned data through the Pruner.
type Cleaner struct {
	Paths  []CleanupPath
	Pruner Pruner
	Clock  clockwork.Clock
	Log    *slog.Logger
}

// Clean returns the reclaimed bytes. It keeps going after errors and
// returns them joined.
func (c *Cleaner) Clean(ctx context.Context) (uint64, error) {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	var freed uint64
	var errs []error
	for _, p := range c.Paths {
		n, err := cleanDir(ctx, p, clock.Now())
		freed += n
		if err != nil {
			errs = append(errs, fmt.Errorf("clean %s: %w", p.Dir, err))
		}
	}
	if c.Pruner != nil {
		n, err := c.Pruner.Prune(ctx)
		freed += n
		if err != nil {
			errs = append(errs, fmt.Errorf("prune runtime: %w", err))
		}
	}
	log.Info("disk cleanup", "freed_bytes", freed, "errors", len(errs))
	return freed, errors.Join(errs...)
}

func cleanDir(ctx context.Context, p CleanupPath, now time.Time) (uint64, error) {
	if p.Dir == "" {
		return 0, nil
	}
	var freed uint64
	err := filepath.WalkDir(p.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if p.Pattern != "" {
			if ok, _ := filepath.Match(p.Pattern, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) < p.MaxAge {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return nil
		}
		freed += uint64(info.Size())
		return nil
	})
	return freed, err
}
