package probe

import (
	"context"
	"fmt"
)

// Pinger is implemented by the persisted store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreProbe fails when the database connection is lost.
type StoreProbe struct{ DB Pinger }

func (p StoreProbe) Check(ctx context.Context) error {
	if err := p.DB.Ping(ctx); err != nil {
		return fmt.Errorf("database connection lost: %w", err)
	}
	return nil
}

func (p StoreProbe) Describe() string { return "store:ping" }
