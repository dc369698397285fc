package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/healer/internal/store"
)

// Dialect is the SQLite flavour of the shared SQL store.
var Dialect = store.Dialect{Name: "sqlite", Maintain: maintain}

// New opens a SQLite database at path (modernc.org/sqlite driver, CGO-free).
// Use ":memory:" for an in-memory database; it is pinned to a single
// connection so every query sees the same database.
func New(path string, cfg store.Config) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = store.DefaultMaxOpenConns
	}
	if p == ":memory:" || strings.Contains(p, "mode=memory") {
		maxOpen = 1
	}
	d.SetMaxOpenConns(maxOpen)
	d.SetMaxIdleConns(maxOpen)
	if cfg.ConnMaxAge > 0 {
		d.SetConnMaxLifetime(cfg.ConnMaxAge)
	}
	// busy timeout helps with short concurrent locks; WAL lets the update
	// watcher process write while the engine reads
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	if maxOpen > 1 {
		_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	}
	return store.NewSQL(d, Dialect), nil
}

func maintain(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check;")
	if err != nil {
		return err
	}
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			_ = rows.Close()
			return err
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", store.ErrInconsistent, strings.Join(problems, "; "))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "VACUUM;")
	return err
}
