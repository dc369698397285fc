package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the differences between the supported SQL backends.
// Timestamps are stored as unix milliseconds so range queries compare
// integers on every backend.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// Maintain runs backend specific integrity checks and compaction.
	Maintain func(ctx context.Context, db *sql.DB) error
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS failure_records(
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		category TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_failure_records_service ON failure_records(service, occurred_at);`,
	`CREATE TABLE IF NOT EXISTS recovery_actions(
		id TEXT PRIMARY KEY,
		action_type TEXT NOT NULL,
		target TEXT NOT NULL,
		severity TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		triggering_event_id TEXT NOT NULL,
		occurred_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_recovery_actions_occurred ON recovery_actions(occurred_at);`,
	`CREATE INDEX IF NOT EXISTS idx_recovery_actions_target ON recovery_actions(target);`,
	`CREATE TABLE IF NOT EXISTS engine_events(
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		occurred_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_engine_events_kind ON engine_events(kind, occurred_at);`,
	`CREATE TABLE IF NOT EXISTS reboot_states(
		id TEXT PRIMARY KEY,
		occurred_at BIGINT NOT NULL,
		reason TEXT NOT NULL,
		pre_reboot TEXT NOT NULL,
		bypassed INTEGER NOT NULL DEFAULT 0,
		validated_at BIGINT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS update_events(
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		bundle TEXT NOT NULL,
		digest TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		occurred_at BIGINT NOT NULL
	);`,
}

// SQL implements Store on database/sql for any Dialect.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps an opened database. The caller configures the pool.
func NewSQL(db *sql.DB, d Dialect) *SQL { return &SQL{db: db, dialect: d} }

// DB exposes the underlying handle for auxiliary tools sharing the pool.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() string { return s.dialect.Name }

// q rewrites '?' placeholders for numbered dialects.
func (s *SQL) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema (%s): %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) RecordFailure(ctx context.Context, rec FailureRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO failure_records(id, service, category, occurred_at, resolved)
		VALUES(?, ?, ?, ?, ?);`),
		rec.ID, rec.Service, rec.Category, ms(rec.OccurredAt), boolInt(rec.Resolved))
	return err
}

func (s *SQL) CountFailures(ctx context.Context, service string, since time.Time) (int, error) {
	var n int
	var err error
	if service == "" {
		err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM failure_records WHERE occurred_at >= ?;`),
			ms(since)).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM failure_records WHERE service = ? AND occurred_at >= ?;`),
			service, ms(since)).Scan(&n)
	}
	return n, err
}

func (s *SQL) ResolveFailures(ctx context.Context, service string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE failure_records SET resolved = 1 WHERE service = ? AND resolved = 0;`), service)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQL) ListFailures(ctx context.Context, service string, limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, service, category, occurred_at, resolved FROM failure_records`
	args := []any{}
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]FailureRecord, 0)
	for rows.Next() {
		var r FailureRecord
		var at int64
		var resolved int
		if err := rows.Scan(&r.ID, &r.Service, &r.Category, &at, &resolved); err != nil {
			return nil, err
		}
		r.OccurredAt, r.Resolved = fromMS(at), resolved != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) RecordAction(ctx context.Context, rec ActionRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO recovery_actions(id, action_type, target, severity, outcome, detail, triggering_event_id, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`),
		rec.ID, rec.ActionType, rec.Target, rec.Severity, rec.Outcome, rec.Detail, rec.TriggeringEventID, ms(rec.At))
	return err
}

func (s *SQL) ListActions(ctx context.Context, f ActionFilter) ([]ActionRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var where []string
	var args []any
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if f.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, f.ActionType)
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, ms(f.Since))
	}
	query := `SELECT id, action_type, target, severity, outcome, detail, triggering_event_id, occurred_at FROM recovery_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]ActionRecord, 0)
	for rows.Next() {
		var r ActionRecord
		var at int64
		if err := rows.Scan(&r.ID, &r.ActionType, &r.Target, &r.Severity, &r.Outcome, &r.Detail, &r.TriggeringEventID, &at); err != nil {
			return nil, err
		}
		r.At = fromMS(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) RecordEvent(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO engine_events(id, kind, target, detail, occurred_at) VALUES(?, ?, ?, ?, ?);`),
		ev.ID, ev.Kind, ev.Target, ev.Detail, ms(ev.At))
	return err
}

func (s *SQL) CountEvents(ctx context.Context, kind string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM engine_events WHERE kind = ? AND occurred_at >= ?;`),
		kind, ms(since)).Scan(&n)
	return n, err
}

func (s *SQL) SaveRebootState(ctx context.Context, st RebootState) error {
	snap, err := json.Marshal(st.PreReboot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO reboot_states(id, occurred_at, reason, pre_reboot, bypassed, validated_at)
		VALUES(?, ?, ?, ?, ?, NULL);`),
		st.ID, ms(st.At), st.Reason, string(snap), boolInt(st.Bypassed))
	return err
}

func (s *SQL) CountReboots(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM reboot_states WHERE occurred_at >= ?;`), ms(since)).Scan(&n)
	return n, err
}

const rebootColumns = `id, occurred_at, reason, pre_reboot, bypassed, validated_at`

func scanReboot(sc interface{ Scan(...any) error }) (RebootState, error) {
	var st RebootState
	var at int64
	var snap string
	var bypassed int
	var validated sql.NullInt64
	if err := sc.Scan(&st.ID, &at, &st.Reason, &snap, &bypassed, &validated); err != nil {
		return RebootState{}, err
	}
	st.At, st.Bypassed = fromMS(at), bypassed != 0
	if validated.Valid {
		v := fromMS(validated.Int64)
		st.ValidatedAt = &v
	}
	if err := json.Unmarshal([]byte(snap), &st.PreReboot); err != nil {
		return RebootState{}, fmt.Errorf("decode reboot snapshot %s: %w", st.ID, err)
	}
	return st, nil
}

func (s *SQL) PendingRebootState(ctx context.Context) (RebootState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rebootColumns+` FROM reboot_states
		WHERE validated_at IS NULL ORDER BY occurred_at DESC LIMIT 1;`)
	st, err := scanReboot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RebootState{}, ErrNotFound
	}
	return st, err
}

func (s *SQL) MarkRebootValidated(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE reboot_states SET validated_at = ? WHERE id = ?;`), ms(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) ListReboots(ctx context.Context, limit int) ([]RebootState, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+rebootColumns+` FROM reboot_states ORDER BY occurred_at DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]RebootState, 0)
	for rows.Next() {
		st, err := scanReboot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecordUpdate upserts by ID: one row per bundle carries its latest status.
func (s *SQL) RecordUpdate(ctx context.Context, ev UpdateEvent) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO update_events(id, source, bundle, digest, status, detail, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			bundle = excluded.bundle,
			digest = excluded.digest,
			status = excluded.status,
			detail = excluded.detail,
			occurred_at = excluded.occurred_at;`),
		ev.ID, ev.Source, ev.Bundle, ev.Digest, ev.Status, ev.Detail, ms(ev.At))
	return err
}

func (s *SQL) listUpdates(ctx context.Context, query string, args ...any) ([]UpdateEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]UpdateEvent, 0)
	for rows.Next() {
		var u UpdateEvent
		var at int64
		if err := rows.Scan(&u.ID, &u.Source, &u.Bundle, &u.Digest, &u.Status, &u.Detail, &at); err != nil {
			return nil, err
		}
		u.At = fromMS(at)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQL) ActiveUpdates(ctx context.Context) ([]UpdateEvent, error) {
	return s.listUpdates(ctx, `SELECT id, source, bundle, digest, status, detail, occurred_at
		FROM update_events WHERE status = ? ORDER BY occurred_at DESC;`, UpdateStaging)
}

func (s *SQL) ListUpdates(ctx context.Context, limit int) ([]UpdateEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.listUpdates(ctx, `SELECT id, source, bundle, digest, status, detail, occurred_at
		FROM update_events ORDER BY occurred_at DESC LIMIT ?;`, limit)
}

func (s *SQL) Maintain(ctx context.Context) error {
	if s.dialect.Maintain == nil {
		return nil
	}
	return s.dialect.Maintain(ctx, s.db)
}

// interface guard
var _ Store = (*SQL)(nil)
