package watcher

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/loykin/healer/internal/metrics"
	"github.com/loykin/healer/internal/store"
)

const (
	DefaultPattern      = "*.update.tar.gz"
	DefaultPollInterval = 30 * time.Second
	// searchDepth covers <root>/<mount>/<bundle>, e.g. /media/usb0/app.update.tar.gz
	searchDepth = 2
)

// Config controls the update watcher.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Roots        []string      `mapstructure:"roots"`
	Pattern      string        `mapstructure:"pattern"`
	StagingDir   string        `mapstructure:"staging_dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MinAge skips bundles modified more recently, so a copy still being
	// written to the stick is not picked up half way.
	MinAge time.Duration `mapstructure:"min_age"`
}

// Watcher stages update bundles found on removable media. It shares nothing
// with the healing engine but the store.
type Watcher struct {
	cfg   Config
	store store.Store
	clock clockwork.Clock
	log   *slog.Logger

	mu   sync.Mutex
	seen map[string]bool // bundle ids already handled by this process
}

type Option func(*Watcher)

func WithClock(c clockwork.Clock) Option { return func(w *Watcher) { w.clock = c } }

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

func New(cfg Config, st store.Store, opts ...Option) (*Watcher, error) {
	if cfg.StagingDir == "" {
		return nil, errors.New("watcher: staging_dir is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if _, err := filepath.Match(cfg.Pattern, "x"); err != nil {
		return nil, fmt.Errorf("watcher: bad pattern %q: %w", cfg.Pattern, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	w := &Watcher{
		cfg:   cfg,
		store: st,
		clock: clockwork.NewRealClock(),
		log:   slog.Default(),
		seen:  make(map[string]bool),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Run scans on every filesystem notification under the roots and on every
// poll tick, until ctx is cancelled. A scan in progress is finished first.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()
	w.watchRoots(fw)

	work := context.WithoutCancel(ctx)
	t := w.clock.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	w.scanLogged(work)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// a newly mounted stick shows up as a directory under a root
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fw.Add(ev.Name)
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				w.scanLogged(work)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Debug("fsnotify error", "error", err)
		case <-t.Chan():
			w.watchRoots(fw)
			w.scanLogged(work)
		}
	}
}

// watchRoots (re)adds the roots and their direct subdirectories. Missing
// roots are fine: the poll picks them up once media is mounted.
func (w *Watcher) watchRoots(fw *fsnotify.Watcher) {
	for _, root := range w.cfg.Roots {
		if err := fw.Add(root); err != nil {
			w.log.Debug("watch root", "root", root, "error", err)
			continue
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				_ = fw.Add(filepath.Join(root, e.Name()))
			}
		}
	}
}

func (w *Watcher) scanLogged(ctx context.Context) {
	evs, err := w.Scan(ctx)
	if err != nil {
		w.log.Warn("update scan", "error", err)
	}
	for _, ev := range evs {
		lvl := slog.LevelInfo
		if ev.Status == store.UpdateFailed {
			lvl = slog.LevelWarn
		}
		w.log.Log(ctx, lvl, "update bundle", "bundle", ev.Bundle, "status", ev.Status, "digest", ev.Digest, "detail", ev.Detail)
	}
}

// Scan looks for new bundles under the roots and stages each of them. It
// returns the final event of every bundle handled in this scan.
func (w *Watcher) Scan(ctx context.Context) ([]store.UpdateEvent, error) {
	var (
		out  []store.UpdateEvent
		errs []error
	)
	for _, root := range w.cfg.Roots {
		bundles, err := w.find(root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, b := range bundles {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			ev, ok := w.handle(ctx, root, b)
			if ok {
				out = append(out, ev)
			}
		}
	}
	return out, errors.Join(errs...)
}

type bundle struct {
	path string
	info fs.FileInfo
}

func (w *Watcher) find(root string) ([]bundle, error) {
	var out []bundle
	base := strings.Count(filepath.Clean(root), string(filepath.Separator))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return nil
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - base
		if d.IsDir() {
			if depth >= searchDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(w.cfg.Pattern, d.Name()); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		out = append(out, bundle{path: path, info: info})
		return nil
	})
	return out, err
}

// bundleID is stable for one file version, so rescans upsert one row.
func bundleID(b bundle) string {
	key := fmt.Sprintf("%s|%d|%d", b.path, b.info.Size(), b.info.ModTime().UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func (w *Watcher) handle(ctx context.Context, root string, b bundle) (store.UpdateEvent, bool) {
	if w.cfg.MinAge > 0 && w.clock.Since(b.info.ModTime()) < w.cfg.MinAge {
		return store.UpdateEvent{}, false
	}
	id := bundleID(b)
	w.mu.Lock()
	if w.seen[id] {
		w.mu.Unlock()
		return store.UpdateEvent{}, false
	}
	w.seen[id] = true
	w.mu.Unlock()

	ev := store.UpdateEvent{ID: id, Source: root, Bundle: filepath.Base(b.path)}
	w.record(ctx, &ev, store.UpdateDetected, "")
	w.record(ctx, &ev, store.UpdateStaging, "")
	digest, err := w.stage(ctx, b.path)
	ev.Digest = digest
	if err != nil {
		w.record(ctx, &ev, store.UpdateFailed, err.Error())
		return ev, true
	}
	w.record(ctx, &ev, store.UpdateStaged, "")
	return ev, true
}

func (w *Watcher) record(ctx context.Context, ev *store.UpdateEvent, status, detail string) {
	ev.Status, ev.Detail, ev.At = status, detail, w.clock.Now().UTC()
	metrics.IncUpdate(status)
	sctx, cancel := context.WithTimeout(ctx, store.DefaultQueryTimeout)
	defer cancel()
	if err := w.store.RecordUpdate(sctx, *ev); err != nil {
		w.log.Warn("persist update event", "bundle", ev.Bundle, "status", status, "error", err)
	}
}

// stage copies src into the staging directory through a temp file,
// verifying the sha256 sidecar when present, and renames it in place.
func (w *Watcher) stage(ctx context.Context, src string) (string, error) {
	if err := os.MkdirAll(w.cfg.StagingDir, 0o750); err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()
	tmp, err := os.CreateTemp(w.cfg.StagingDir, ".staging-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), ctxReader{ctx: ctx, r: in}); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("copy bundle: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if want, err := readSidecar(src + ".sha256"); err != nil {
		_ = tmp.Close()
		return digest, err
	} else if want != "" && !strings.EqualFold(want, digest) {
		_ = tmp.Close()
		return digest, fmt.Errorf("checksum mismatch: want %s got %s", want, digest)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return digest, err
	}
	if err := tmp.Close(); err != nil {
		return digest, err
	}
	return digest, os.Rename(tmp.Name(), filepath.Join(w.cfg.StagingDir, filepath.Base(src)))
}

// readSidecar returns the expected digest, "" when there is no sidecar.
// The sha256sum format "<hex>  <name>" is accepted.
func readSidecar(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return "", fmt.Errorf("empty checksum file %s", path)
	}
	fields := strings.Fields(sc.Text())
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file %s", path)
	}
	return fields[0], nil
}

// ctxReader stops a long copy from a slow stick when ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
