package domain

import (
	"context"
	"time"
)

// JournalEntry is the persisted record of a position. The journal keeps
// closed rows until the archiver moves them out.
type JournalEntry struct {
	ID            string
	Symbol        string
	Side          Side
	Quantity      float64
	EntryPrice    float64
	Leverage      int
	MarginUsed    float64
	StopLoss      float64
	OrderID       string
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
	ExitPrice     *float64
	RealizedPnL   *float64
	CloseReason   *CloseReason
	UnrealizedPnL float64
	ArchivedAt    *time.Time
}

// DecisionRecord is one aggregation outcome kept for audit.
type DecisionRecord struct {
	ID          string
	Symbol      string
	Direction   *Direction // nil when the round resolved to wait
	TotalScore  float64
	Confidence  float64
	SignalCount int
	ShouldWait  bool
	Reasoning   string
	CreatedAt   time.Time
}

// PositionJournal persists position records. Callers treat every method as
// degradable: a journal failure is logged and never blocks trading.
type PositionJournal interface {
	RecordOpen(ctx context.Context, entry JournalEntry) error
	RecordClose(ctx context.Context, id string, exitPrice, realizedPnL float64, reason CloseReason) error
	UpdateUnrealized(ctx context.Context, id string, quantity, unrealizedPnL float64) error
	FindOpenBySymbol(ctx context.Context, symbol string) (JournalEntry, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]JournalEntry, error)
	MarkArchived(ctx context.Context, ids []string) error
	PruneArchivedBefore(ctx context.Context, before time.Time) (int64, error)
}

// DecisionJournal persists aggregation outcomes.
type DecisionJournal interface {
	Record(ctx context.Context, rec DecisionRecord) error
}
