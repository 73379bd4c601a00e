package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avhall/leverbot/internal/domain"
)

// DecisionJournal implements domain.DecisionJournal using PostgreSQL.
type DecisionJournal struct {
	pool *pgxpool.Pool
}

// NewDecisionJournal creates a DecisionJournal backed by the given pool.
func NewDecisionJournal(pool *pgxpool.Pool) *DecisionJournal {
	return &DecisionJournal{pool: pool}
}

// Record inserts one aggregation outcome. Direction stays NULL for rounds
// that resolved to wait.
func (j *DecisionJournal) Record(ctx context.Context, rec domain.DecisionRecord) error {
	var direction *string
	if rec.Direction != nil {
		d := string(*rec.Direction)
		direction = &d
	}

	const query = `
		INSERT INTO decisions (
			id, symbol, direction, total_score, confidence,
			signal_count, should_wait, reasoning, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := j.pool.Exec(ctx, query,
		rec.ID, rec.Symbol, direction,
		rec.TotalScore, rec.Confidence,
		rec.SignalCount, rec.ShouldWait, rec.Reasoning,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record decision %s: %w", rec.ID, err)
	}
	return nil
}
