package factory

import (
	"context"
	"errors"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/healer/internal/store"
	pg "github.com/loykin/healer/internal/store/postgres"
	sq "github.com/loykin/healer/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string, cfg store.Config) (*store.SQL, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d, cfg)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"), cfg)
	}
	return sq.New(d, cfg)
}

// Open opens the store and ensures its schema, retrying with exponential
// backoff while the database is still coming up. maxRetries bounds the
// attempts after the first one.
func Open(ctx context.Context, cfg store.Config, maxRetries uint64) (*store.SQL, error) {
	s, err := NewFromDSN(cfg.DSN, cfg)
	if err != nil {
		return nil, err
	}
	op := func() error {
		if err := s.Ping(ctx); err != nil {
			return err
		}
		return s.EnsureSchema(ctx)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
