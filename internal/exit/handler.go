package exit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
)

// TPHitResult reports what the handler did for one take-profit fill. Success
// false carries the underlying failure in Message; the handler never lets an
// exchange error escape to the event loop.
type TPHitResult struct {
	Success        bool
	Action         domain.TPAction
	NewSLPrice     float64 // set when the stop moved to breakeven
	Distance       float64 // set when trailing was activated
	CloseRequested bool    // set when the level's action is a full close
	Custom         bool    // set when the level defers to a custom dispatcher
	Message        string
}

// ClosedResult reports the bookkeeping outcome for a closed position.
// Removed false with Success true means the journal degraded; the position
// is already closed at the exchange either way.
type ClosedResult struct {
	Success bool
	Removed bool
	Message string
}

// Handler reacts to take-profit and position-closed events. It looks up the
// configured action for the filled level, runs the exit calculations, and
// issues the matching exchange mutation. Local position state stays with the
// lifecycle manager; the caller applies mutations off the returned result.
type Handler struct {
	exchange domain.ExchangeClient
	journal  domain.PositionJournal
	cfg      config.ExitConfig
	logger   *slog.Logger
}

// NewHandler creates an exit event handler. journal may be nil when running
// without a trade journal.
func NewHandler(exchange domain.ExchangeClient, journal domain.PositionJournal, cfg config.ExitConfig, logger *slog.Logger) *Handler {
	return &Handler{
		exchange: exchange,
		journal:  journal,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "exit_handler")),
	}
}

// HandleTPHit reacts to a filled take-profit level. Exchange failures are
// caught and folded into the result so one failed call cannot crash the
// event-processing loop.
func (h *Handler) HandleTPHit(ctx context.Context, ev domain.TPHitEvent) TPHitResult {
	log := h.logger.With(
		slog.String("symbol", ev.Symbol),
		slog.Int("tp_level", ev.TPLevel),
		slog.Float64("current_price", ev.CurrentPrice),
	)

	if ev.Position == nil {
		log.Warn("tp hit event without position, skipping")
		return TPHitResult{Success: false, Message: "no position attached to event"}
	}

	// 1. Look up the level's configured action.
	level, ok := findLevel(ev.Position.TakeProfits, ev.TPLevel)
	if !ok {
		log.Warn("tp level not configured, skipping")
		return TPHitResult{Success: false, Message: fmt.Sprintf("tp level %d not configured for %s", ev.TPLevel, ev.Symbol)}
	}

	// 2. Dispatch on the action.
	switch level.OnHit {
	case domain.TPActionMoveSLToBreakeven:
		return h.moveSLToBreakeven(ctx, ev, log)

	case domain.TPActionActivateTrailing:
		return h.activateTrailing(ctx, ev, log)

	case domain.TPActionClose:
		log.Info("tp level requests full close")
		return TPHitResult{Success: true, Action: domain.TPActionClose, CloseRequested: true}

	case domain.TPActionCustom:
		log.Info("tp level defers to custom handler")
		return TPHitResult{Success: true, Action: domain.TPActionCustom, Custom: true}

	default:
		log.Warn("unknown tp action", slog.String("action", string(level.OnHit)))
		return TPHitResult{Success: false, Message: fmt.Sprintf("unknown tp action %q", level.OnHit)}
	}
}

// moveSLToBreakeven computes the breakeven stop and pushes it to the exchange.
func (h *Handler) moveSLToBreakeven(ctx context.Context, ev domain.TPHitEvent, log *slog.Logger) TPHitResult {
	pos := ev.Position
	newSL := BreakevenPrice(pos.Side, pos.EntryPrice, h.cfg.BreakevenMarginPercent)

	if !IsValidBreakeven(pos.Side, pos.EntryPrice, newSL) {
		log.Warn("breakeven price on wrong side of entry, rejecting",
			slog.Float64("entry", pos.EntryPrice),
			slog.Float64("new_sl", newSL),
		)
		return TPHitResult{
			Success: false,
			Action:  domain.TPActionMoveSLToBreakeven,
			Message: fmt.Sprintf("breakeven %.4f invalid against entry %.4f", newSL, pos.EntryPrice),
		}
	}

	if err := h.exchange.UpdateStopLoss(ctx, ev.Symbol, newSL); err != nil {
		log.Error("update stop loss failed", slog.String("error", err.Error()))
		return TPHitResult{
			Success: false,
			Action:  domain.TPActionMoveSLToBreakeven,
			Message: err.Error(),
		}
	}

	log.Info("stop loss moved to breakeven", slog.Float64("new_sl", newSL))
	return TPHitResult{Success: true, Action: domain.TPActionMoveSLToBreakeven, NewSLPrice: newSL}
}

// activateTrailing computes the trailing distance and pushes it to the
// exchange. An event-supplied ATR percent replaces the configured base.
func (h *Handler) activateTrailing(ctx context.Context, ev domain.TPHitEvent, log *slog.Logger) TPHitResult {
	pos := ev.Position
	distance := TrailingDistance(pos.EntryPrice, h.cfg.Trailing, ev.ATRPercent)

	if err := h.exchange.SetTrailingStop(ctx, ev.Symbol, distance); err != nil {
		log.Error("set trailing stop failed", slog.String("error", err.Error()))
		return TPHitResult{
			Success: false,
			Action:  domain.TPActionActivateTrailing,
			Message: err.Error(),
		}
	}

	log.Info("trailing stop activated", slog.Float64("distance", distance))
	return TPHitResult{Success: true, Action: domain.TPActionActivateTrailing, Distance: distance}
}

// HandlePositionClosed finishes bookkeeping for a position the exchange has
// already closed. A journal failure downgrades to Removed=false; it is not a
// trading failure.
func (h *Handler) HandlePositionClosed(ctx context.Context, ev domain.PositionClosedEvent) ClosedResult {
	log := h.logger.With(
		slog.String("symbol", ev.Symbol),
		slog.String("reason", string(ev.Reason)),
		slog.Float64("pnl", ev.PnL),
	)
	log.Info("position closed")

	if h.journal == nil || ev.Position == nil || ev.Position.JournalID == nil {
		return ClosedResult{Success: true, Removed: false}
	}

	exitPrice := ev.Position.EntryPrice
	if ev.Position.Quantity > 0 {
		exitPrice = ev.Position.EntryPrice + pnlPerUnit(ev.Position.Side, ev.PnL, ev.Position.Quantity)
	}
	if err := h.journal.RecordClose(ctx, *ev.Position.JournalID, exitPrice, ev.PnL, ev.Reason); err != nil {
		log.Warn("journal close record failed",
			slog.String("journal_id", *ev.Position.JournalID),
			slog.String("error", err.Error()),
		)
		return ClosedResult{Success: true, Removed: false, Message: err.Error()}
	}

	return ClosedResult{Success: true, Removed: true}
}

// findLevel returns the ladder entry with the given level number.
func findLevel(levels []domain.TakeProfitLevel, level int) (domain.TakeProfitLevel, bool) {
	for _, l := range levels {
		if l.Level == level {
			return l, true
		}
	}
	return domain.TakeProfitLevel{}, false
}

// pnlPerUnit converts a realized PnL back into a per-unit price delta with
// the sign the side implies.
func pnlPerUnit(side domain.Side, pnl, quantity float64) float64 {
	delta := pnl / quantity
	if side == domain.SideShort {
		return -delta
	}
	return delta
}
