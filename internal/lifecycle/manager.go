package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
)

// PositionClosedHandler is called after a position leaves the manager, with
// a snapshot of the position as it was and the close reason.
type PositionClosedHandler func(ctx context.Context, pos domain.Position, reason domain.CloseReason)

// Manager owns the single current position. All mutation goes through its
// methods; everything else reads through Snapshot, which returns independent
// copies. The manager guarantees at-most-once close semantics: concurrent
// close attempts for the same position id collapse into one exchange call.
//
// The internal lock guards only pointer and marker state. Exchange I/O always
// runs outside it, so snapshot reads are never blocked by an in-flight close.
type Manager struct {
	exchange domain.ExchangeClient
	journal  domain.PositionJournal // nil disables journaling
	cfg      config.TradingConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	current *domain.Position
	closing map[string]struct{}

	closedHandlers []PositionClosedHandler
	handlerMu      sync.RWMutex
}

// NewManager creates a position lifecycle manager.
func NewManager(exchange domain.ExchangeClient, journal domain.PositionJournal, cfg config.TradingConfig, logger *slog.Logger) *Manager {
	if cfg.OpenRetries <= 0 {
		cfg.OpenRetries = 1
	}

	return &Manager{
		exchange: exchange,
		journal:  journal,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "lifecycle")),
		closing:  make(map[string]struct{}),
	}
}

// OnPositionClosed registers a handler fired whenever the tracked position
// is cleared, by a close call or by an exchange-reported closure.
func (m *Manager) OnPositionClosed(h PositionClosedHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.closedHandlers = append(m.closedHandlers, h)
}

// Open places a position through the exchange with bounded retries and
// tracks it as the current position. Opening while a position is already
// tracked is rejected.
func (m *Manager) Open(ctx context.Context, decision domain.TradeDecision, sizing domain.PositionSizing) (*domain.Position, error) {
	m.mu.RLock()
	occupied := m.current != nil
	m.mu.RUnlock()

	if occupied {
		return nil, fmt.Errorf("lifecycle: open %s: position already tracked: %w", decision.Symbol, domain.ErrValidation)
	}

	var (
		pos     *domain.Position
		lastErr error
	)

	backoff := m.cfg.OpenRetryBackoff.Duration
	for attempt := 1; attempt <= m.cfg.OpenRetries; attempt++ {
		pos, lastErr = m.exchange.OpenPosition(ctx, decision, sizing)
		if lastErr == nil {
			break
		}

		m.logger.Warn("open attempt failed",
			slog.String("symbol", decision.Symbol),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.cfg.OpenRetries),
			slog.Any("error", lastErr))

		if attempt == m.cfg.OpenRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lifecycle: open %s: %w", decision.Symbol, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if lastErr != nil {
		return nil, fmt.Errorf("lifecycle: open %s exhausted after %d attempts: %w",
			decision.Symbol, m.cfg.OpenRetries, lastErr)
	}

	m.mu.Lock()
	m.current = pos
	m.mu.Unlock()

	m.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
		slog.Int("leverage", pos.Leverage))

	m.journalOpen(ctx, pos)

	return pos.Clone(), nil
}

// CloseWithLock performs an at-most-once close of the position with the
// given id. The first caller for a still-open id cancels conditional orders,
// closes at the exchange, clears local state, and emits position-closed.
// Concurrent callers for the same id observe the in-flight marker and return
// without side effects, as does any caller when no position is tracked or
// the id is stale.
//
// Exchange failures during the close are logged and do not keep the position
// alive locally; the close marker is always released.
func (m *Manager) CloseWithLock(ctx context.Context, positionID string, reason domain.CloseReason) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		m.logger.Debug("close requested with no position tracked",
			slog.String("position_id", positionID))
		return
	}
	if m.current.ID != positionID {
		currentID := m.current.ID
		m.mu.Unlock()
		m.logger.Debug("close requested for stale position id",
			slog.String("position_id", positionID),
			slog.String("current_id", currentID))
		return
	}
	if _, busy := m.closing[positionID]; busy {
		m.mu.Unlock()
		m.logger.Debug("close already in flight",
			slog.String("position_id", positionID))
		return
	}
	m.closing[positionID] = struct{}{}
	snapshot := *m.current.Clone()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.closing, positionID)
		m.mu.Unlock()
	}()

	log := m.logger.With(
		slog.String("position_id", positionID),
		slog.String("symbol", snapshot.Symbol),
		slog.String("reason", string(reason)))

	log.Info("closing position")

	// Dangling conditional orders are a lesser risk than a stuck close, so
	// cancellation failure does not stop the sequence.
	if err := m.exchange.CancelAllConditionalOrders(ctx, snapshot.Symbol); err != nil {
		log.Warn("cancel conditional orders failed", slog.Any("error", err))
	}

	if err := m.exchange.ClosePosition(ctx, snapshot.Symbol); err != nil {
		log.Error("exchange close failed, clearing local state anyway",
			slog.Any("error", err))
	}

	m.mu.Lock()
	if m.current != nil && m.current.ID == positionID {
		m.current = nil
	}
	m.mu.Unlock()

	log.Info("position closed")
	m.emitClosed(ctx, snapshot, reason)
}

// Snapshot returns a deep copy of the current position, or nil when flat.
// The copy is independent: mutating it never affects the manager, and two
// snapshots never alias each other.
func (m *Manager) Snapshot() *domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil
	}
	return m.current.Clone()
}

// HasPosition reports whether a position is currently tracked.
func (m *Manager) HasPosition() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// SyncWithWebSocket merges exchange-reported quantity and unrealized PnL
// into the tracked position and mirrors them to the journal. A missing
// journal record degrades to a warning; the in-memory fields always win.
func (m *Manager) SyncWithWebSocket(ctx context.Context, ws domain.WSPosition) {
	m.mu.Lock()
	if m.current == nil || m.current.Symbol != ws.Symbol {
		m.mu.Unlock()
		m.logger.Debug("ws position for untracked symbol ignored",
			slog.String("symbol", ws.Symbol))
		return
	}

	m.current.Quantity = ws.Size
	m.current.UnrealizedPnL = ws.UnrealizedPnL
	journalID := m.current.JournalID
	symbol := m.current.Symbol
	m.mu.Unlock()

	if m.journal == nil {
		return
	}

	if journalID == nil {
		entry, err := m.journal.FindOpenBySymbol(ctx, symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				m.logger.Warn("no journal record for synced position, keeping ws fields",
					slog.String("symbol", symbol))
			} else {
				m.logger.Warn("journal lookup failed during sync",
					slog.String("symbol", symbol),
					slog.Any("error", err))
			}
			return
		}

		id := entry.ID
		journalID = &id
		m.mu.Lock()
		if m.current != nil && m.current.Symbol == symbol {
			m.current.JournalID = journalID
		}
		m.mu.Unlock()
	}

	if err := m.journal.UpdateUnrealized(ctx, *journalID, ws.Size, ws.UnrealizedPnL); err != nil {
		m.logger.Warn("journal unrealized update failed",
			slog.String("journal_id", *journalID),
			slog.Any("error", err))
	}
}

// ClearPosition drops the tracked position after the exchange has already
// reported it gone: cancels leftover conditional orders best-effort, nulls
// local state, and emits position-closed. A close already in flight owns
// the clear, so this becomes a no-op.
func (m *Manager) ClearPosition(ctx context.Context, reason domain.CloseReason) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	if _, busy := m.closing[m.current.ID]; busy {
		m.mu.Unlock()
		m.logger.Debug("clear skipped, close in flight")
		return
	}
	snapshot := *m.current.Clone()
	m.current = nil
	m.mu.Unlock()

	if err := m.exchange.CancelAllConditionalOrders(ctx, snapshot.Symbol); err != nil {
		m.logger.Warn("cancel conditional orders failed during clear",
			slog.String("symbol", snapshot.Symbol),
			slog.Any("error", err))
	}

	m.logger.Info("position cleared",
		slog.String("position_id", snapshot.ID),
		slog.String("symbol", snapshot.Symbol),
		slog.String("reason", string(reason)))

	m.emitClosed(ctx, snapshot, reason)
}

// MarkTakeProfitHit flags the given ladder level as filled and returns the
// level. The transition happens once: a level that is already hit, unknown,
// or has no position behind it returns false, which is what makes replayed
// fill frames safe.
func (m *Manager) MarkTakeProfitHit(level int) (domain.TakeProfitLevel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return domain.TakeProfitLevel{}, false
	}

	for i := range m.current.TakeProfits {
		if m.current.TakeProfits[i].Level == level {
			if m.current.TakeProfits[i].Hit {
				return domain.TakeProfitLevel{}, false
			}
			m.current.TakeProfits[i].Hit = true
			return m.current.TakeProfits[i], true
		}
	}
	return domain.TakeProfitLevel{}, false
}

// ResolveTakeProfitLevel finds the ladder level whose price matches the
// fill price, used when the exchange frame carried no parseable level.
func (m *Manager) ResolveTakeProfitLevel(fillPrice float64) (int, bool) {
	const tolerance = 1e-9

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return 0, false
	}

	for i := range m.current.TakeProfits {
		tp := m.current.TakeProfits[i]
		diff := tp.Price - fillPrice
		if diff < 0 {
			diff = -diff
		}
		// Ladder prices are far apart relative to a tenth of a percent, so
		// match the nearest rung within that band.
		if tp.Price > 0 && diff/tp.Price < 0.001+tolerance && !tp.Hit {
			return tp.Level, true
		}
	}
	return 0, false
}

// SetStopLoss records a new stop-loss price on the tracked position.
func (m *Manager) SetStopLoss(price float64, breakeven bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}

	m.current.StopLoss.Price = price
	m.current.StopLoss.IsBreakeven = breakeven
	m.current.StopLoss.UpdatedAt = time.Now()
}

// ActivateTrailing flags the tracked position's stop as trailing.
func (m *Manager) ActivateTrailing() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}

	m.current.StopLoss.IsTrailing = true
	m.current.StopLoss.UpdatedAt = time.Now()
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// journalOpen records the opened position, attaching the journal id to the
// tracked position on success. Failure is logged only.
func (m *Manager) journalOpen(ctx context.Context, pos *domain.Position) {
	if m.journal == nil {
		return
	}

	entry := domain.JournalEntry{
		ID:         pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		Leverage:   pos.Leverage,
		MarginUsed: pos.MarginUsed,
		StopLoss:   pos.StopLoss.Price,
		OrderID:    pos.OrderID,
		Status:     domain.PositionStatusOpen,
		OpenedAt:   pos.OpenedAt,
	}

	if err := m.journal.RecordOpen(ctx, entry); err != nil {
		m.logger.Warn("journal open record failed",
			slog.String("position_id", pos.ID),
			slog.Any("error", err))
		return
	}

	id := entry.ID
	m.mu.Lock()
	if m.current != nil && m.current.ID == pos.ID {
		m.current.JournalID = &id
	}
	m.mu.Unlock()
}

// emitClosed fans the closure out to registered handlers.
func (m *Manager) emitClosed(ctx context.Context, pos domain.Position, reason domain.CloseReason) {
	m.handlerMu.RLock()
	handlers := m.closedHandlers
	m.handlerMu.RUnlock()

	for _, h := range handlers {
		h(ctx, pos, reason)
	}
}
