package domain

import (
	"context"
	"time"
)

// PriceCache keeps the latest observed price per symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// EventStream is the durable, trimmed stream of trading events. Append never
// blocks trading; callers log failures and move on.
type EventStream interface {
	Append(ctx context.Context, ev StreamEvent) error
	ReadSince(ctx context.Context, lastID string, count int) ([]StreamEvent, error)
}

// SymbolLease guards against two bot instances trading the same symbol.
// Acquire fails with ErrLeaseHeld while another holder is alive.
type SymbolLease interface {
	Acquire(ctx context.Context, symbol string, ttl time.Duration) (release func(), err error)
}
