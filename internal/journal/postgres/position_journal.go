package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avhall/leverbot/internal/domain"
)

// PositionJournal implements domain.PositionJournal using PostgreSQL.
type PositionJournal struct {
	pool *pgxpool.Pool
}

// NewPositionJournal creates a PositionJournal backed by the given pool.
func NewPositionJournal(pool *pgxpool.Pool) *PositionJournal {
	return &PositionJournal{pool: pool}
}

const entrySelectCols = `id, symbol, side, quantity, entry_price, leverage,
	margin_used, stop_loss, order_id, status, opened_at, closed_at,
	exit_price, realized_pnl, close_reason, unrealized_pnl, archived_at`

func scanEntryRow(row pgx.Row) (domain.JournalEntry, error) {
	var e domain.JournalEntry
	var side, status string
	var reason *string

	err := row.Scan(
		&e.ID, &e.Symbol, &side,
		&e.Quantity, &e.EntryPrice, &e.Leverage,
		&e.MarginUsed, &e.StopLoss, &e.OrderID,
		&status, &e.OpenedAt, &e.ClosedAt,
		&e.ExitPrice, &e.RealizedPnL, &reason,
		&e.UnrealizedPnL, &e.ArchivedAt,
	)
	if err != nil {
		return domain.JournalEntry{}, err
	}

	e.Side = domain.Side(side)
	e.Status = domain.PositionStatus(status)
	if reason != nil {
		r := domain.CloseReason(*reason)
		e.CloseReason = &r
	}
	return e, nil
}

// RecordOpen inserts the journal row for a freshly opened position.
func (j *PositionJournal) RecordOpen(ctx context.Context, entry domain.JournalEntry) error {
	const query = `
		INSERT INTO positions (
			id, symbol, side, quantity, entry_price, leverage,
			margin_used, stop_loss, order_id, status, opened_at,
			unrealized_pnl, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, NOW()
		)`

	_, err := j.pool.Exec(ctx, query,
		entry.ID, entry.Symbol, string(entry.Side),
		entry.Quantity, entry.EntryPrice, entry.Leverage,
		entry.MarginUsed, entry.StopLoss, entry.OrderID,
		string(entry.Status), entry.OpenedAt,
		entry.UnrealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: record open %s: %w", entry.ID, err)
	}
	return nil
}

// RecordClose marks an open row closed with its exit figures. A row that is
// missing or already closed reports ErrNotFound.
func (j *PositionJournal) RecordClose(ctx context.Context, id string, exitPrice, realizedPnL float64, reason domain.CloseReason) error {
	const query = `
		UPDATE positions SET
			status       = 'closed',
			exit_price   = $2,
			realized_pnl = $3,
			close_reason = $4,
			closed_at    = NOW(),
			updated_at   = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := j.pool.Exec(ctx, query, id, exitPrice, realizedPnL, string(reason))
	if err != nil {
		return fmt.Errorf("postgres: record close %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateUnrealized refreshes the live quantity and unrealized PnL of an open
// row from a websocket sync.
func (j *PositionJournal) UpdateUnrealized(ctx context.Context, id string, quantity, unrealizedPnL float64) error {
	const query = `
		UPDATE positions SET
			quantity       = $2,
			unrealized_pnl = $3,
			updated_at     = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := j.pool.Exec(ctx, query, id, quantity, unrealizedPnL)
	if err != nil {
		return fmt.Errorf("postgres: update unrealized %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindOpenBySymbol returns the most recent open row for the symbol.
func (j *PositionJournal) FindOpenBySymbol(ctx context.Context, symbol string) (domain.JournalEntry, error) {
	row := j.pool.QueryRow(ctx,
		`SELECT `+entrySelectCols+` FROM positions
		 WHERE symbol = $1 AND status = 'open'
		 ORDER BY opened_at DESC
		 LIMIT 1`, symbol)

	e, err := scanEntryRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JournalEntry{}, domain.ErrNotFound
		}
		return domain.JournalEntry{}, fmt.Errorf("postgres: find open for %s: %w", symbol, err)
	}
	return e, nil
}

// ListClosedBefore returns unarchived closed rows whose close time is at or
// before the cutoff, oldest first.
func (j *PositionJournal) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.JournalEntry, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT `+entrySelectCols+` FROM positions
		 WHERE status = 'closed' AND archived_at IS NULL AND closed_at <= $1
		 ORDER BY closed_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		e, err := scanEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan closed row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list closed: %w", err)
	}
	return entries, nil
}

// MarkArchived stamps archived_at on the given rows.
func (j *PositionJournal) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := j.pool.Exec(ctx,
		`UPDATE positions SET archived_at = NOW(), updated_at = NOW()
		 WHERE id = ANY($1) AND archived_at IS NULL`, ids)
	if err != nil {
		return fmt.Errorf("postgres: mark archived: %w", err)
	}
	return nil
}

// PruneArchivedBefore deletes rows that were archived before the given time
// and reports how many were removed. Rows without an archive stamp are never
// touched; the blob store copy is the only record that survives a prune.
func (j *PositionJournal) PruneArchivedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := j.pool.Exec(ctx,
		`DELETE FROM positions
		 WHERE archived_at IS NOT NULL AND archived_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune archived: %w", err)
	}
	return tag.RowsAffected(), nil
}
