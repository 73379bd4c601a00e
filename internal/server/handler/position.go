package handler

import (
	"net/http"
	"time"

	"github.com/avhall/leverbot/internal/domain"
)

// PositionSource yields a point-in-time copy of the live position, or nil
// when no position is open.
type PositionSource interface {
	Snapshot() *domain.Position
}

// PositionHandler serves the live position snapshot.
type PositionHandler struct {
	positions PositionSource
}

// NewPositionHandler creates a PositionHandler backed by the given source.
func NewPositionHandler(positions PositionSource) *PositionHandler {
	return &PositionHandler{positions: positions}
}

// takeProfitJSON is the wire format of one take-profit ladder rung.
type takeProfitJSON struct {
	Level       int     `json:"level"`
	Percent     float64 `json:"percent"`
	SizePercent float64 `json:"size_percent"`
	Price       float64 `json:"price"`
	Hit         bool    `json:"hit"`
	OnHit       string  `json:"on_hit"`
}

// stopLossJSON is the wire format of the stop-loss state.
type stopLossJSON struct {
	Price        float64   `json:"price"`
	InitialPrice float64   `json:"initial_price"`
	IsBreakeven  bool      `json:"is_breakeven"`
	IsTrailing   bool      `json:"is_trailing"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// positionJSON is the wire format of the position snapshot.
type positionJSON struct {
	ID            string           `json:"id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Quantity      float64          `json:"quantity"`
	EntryPrice    float64          `json:"entry_price"`
	Leverage      int              `json:"leverage"`
	MarginUsed    float64          `json:"margin_used"`
	StopLoss      stopLossJSON     `json:"stop_loss"`
	TakeProfits   []takeProfitJSON `json:"take_profits"`
	OpenedAt      time.Time        `json:"opened_at"`
	UnrealizedPnL float64          `json:"unrealized_pnl"`
	Status        string           `json:"status"`
}

// positionResponse wraps the snapshot; Position is null when flat.
type positionResponse struct {
	Position *positionJSON `json:"position"`
}

// GetPosition returns the current position snapshot, or {"position": null}
// when no position is open.
// GET /api/position
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos := h.positions.Snapshot()
	if pos == nil {
		writeJSON(w, http.StatusOK, positionResponse{})
		return
	}

	out := positionJSON{
		ID:            pos.ID,
		Symbol:        pos.Symbol,
		Side:          string(pos.Side),
		Quantity:      pos.Quantity,
		EntryPrice:    pos.EntryPrice,
		Leverage:      pos.Leverage,
		MarginUsed:    pos.MarginUsed,
		StopLoss: stopLossJSON{
			Price:        pos.StopLoss.Price,
			InitialPrice: pos.StopLoss.InitialPrice,
			IsBreakeven:  pos.StopLoss.IsBreakeven,
			IsTrailing:   pos.StopLoss.IsTrailing,
			UpdatedAt:    pos.StopLoss.UpdatedAt,
		},
		TakeProfits:   make([]takeProfitJSON, 0, len(pos.TakeProfits)),
		OpenedAt:      pos.OpenedAt,
		UnrealizedPnL: pos.UnrealizedPnL,
		Status:        string(pos.Status),
	}
	for _, tp := range pos.TakeProfits {
		out.TakeProfits = append(out.TakeProfits, takeProfitJSON{
			Level:       tp.Level,
			Percent:     tp.Percent,
			SizePercent: tp.SizePercent,
			Price:       tp.Price,
			Hit:         tp.Hit,
			OnHit:       string(tp.OnHit),
		})
	}

	writeJSON(w, http.StatusOK, positionResponse{Position: &out})
}
