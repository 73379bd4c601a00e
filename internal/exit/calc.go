// Package exit implements the exit-strategy engine: pure price calculations
// and the event handler that turns take-profit fills into exchange mutations.
package exit

import (
	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
)

// BreakevenPrice returns the stop-loss price that locks in a small favorable
// margin over entry: entry*(1+margin/100) for longs, entry*(1-margin/100)
// for shorts.
func BreakevenPrice(side domain.Side, entryPrice, marginPercent float64) float64 {
	if side == domain.SideShort {
		return entryPrice * (1 - marginPercent/100)
	}
	return entryPrice * (1 + marginPercent/100)
}

// IsValidBreakeven reports whether newSL sits on the favorable side of entry:
// at or above entry for longs, at or below for shorts.
func IsValidBreakeven(side domain.Side, entryPrice, newSL float64) bool {
	if side == domain.SideShort {
		return newSL <= entryPrice
	}
	return newSL >= entryPrice
}

// TrailingDistance returns the trailing-stop distance in price units. The
// base percent of entry applies by default; a supplied ATR percent replaces
// the base (it is not additive) and is then scaled by the ATR multiplier.
// The resulting percent is clamped to [MinPercent, MaxPercent] of entry.
func TrailingDistance(entryPrice float64, tc config.TrailingConfig, atrPercent *float64) float64 {
	pct := tc.BasePercent
	if atrPercent != nil {
		pct = *atrPercent * tc.ATRMultiplier
	}
	if pct < tc.MinPercent {
		pct = tc.MinPercent
	}
	if pct > tc.MaxPercent {
		pct = tc.MaxPercent
	}
	return entryPrice * pct / 100
}

// TrailingStopPrice returns the stop price that trails currentPrice by
// distance: below price for longs, above for shorts.
func TrailingStopPrice(side domain.Side, currentPrice, distance float64) float64 {
	if side == domain.SideShort {
		return currentPrice + distance
	}
	return currentPrice - distance
}

// ShouldUpdateTrailing reports whether moving the stop from oldPrice to
// newPrice is favorable. Equal or unfavorable moves are no-ops: strictly
// greater for longs, strictly lower for shorts.
func ShouldUpdateTrailing(side domain.Side, oldPrice, newPrice float64) bool {
	if side == domain.SideShort {
		return newPrice < oldPrice
	}
	return newPrice > oldPrice
}

// IsTakeProfitHit reports whether currentPrice has reached tpPrice. The
// boundary is inclusive on both sides.
func IsTakeProfitHit(side domain.Side, currentPrice, tpPrice float64) bool {
	if side == domain.SideShort {
		return currentPrice <= tpPrice
	}
	return currentPrice >= tpPrice
}

// IsStopLossHit reports whether currentPrice has reached slPrice.
func IsStopLossHit(side domain.Side, currentPrice, slPrice float64) bool {
	if side == domain.SideShort {
		return currentPrice >= slPrice
	}
	return currentPrice <= slPrice
}

// PnL returns the absolute profit for closing quantity at exitPrice.
func PnL(side domain.Side, entryPrice, exitPrice, quantity float64) float64 {
	if side == domain.SideShort {
		return quantity * (entryPrice - exitPrice)
	}
	return quantity * (exitPrice - entryPrice)
}

// PnLPercent returns the profit as a percentage of entry price.
func PnLPercent(side domain.Side, entryPrice, exitPrice float64) float64 {
	if entryPrice == 0 {
		return 0
	}
	if side == domain.SideShort {
		return (entryPrice - exitPrice) / entryPrice * 100
	}
	return (exitPrice - entryPrice) / entryPrice * 100
}

// SizeToClose returns the quantity closed by a level that exits sizePercent
// of the position.
func SizeToClose(quantity, sizePercent float64) float64 {
	return quantity * sizePercent / 100
}

// RemainingSize returns the quantity left after closing closedQty, floored
// at zero.
func RemainingSize(quantity, closedQty float64) float64 {
	rem := quantity - closedQty
	if rem < 0 {
		return 0
	}
	return rem
}

// InitialStopLoss returns the protective stop for a fresh entry: slPercent
// below entry for longs, above for shorts.
func InitialStopLoss(side domain.Side, entryPrice, slPercent float64) float64 {
	if side == domain.SideShort {
		return entryPrice * (1 + slPercent/100)
	}
	return entryPrice * (1 - slPercent/100)
}

// BuildLadder prices the configured take-profit rungs for an entry: each
// rung's percent applies above entry for longs and below for shorts. Levels
// are numbered from 1 in config order.
func BuildLadder(side domain.Side, entryPrice float64, rungs []config.TakeProfitLevelConfig) []domain.TakeProfitLevel {
	ladder := make([]domain.TakeProfitLevel, 0, len(rungs))

	for i, rung := range rungs {
		price := entryPrice * (1 + rung.Percent/100)
		if side == domain.SideShort {
			price = entryPrice * (1 - rung.Percent/100)
		}

		ladder = append(ladder, domain.TakeProfitLevel{
			Level:       i + 1,
			Percent:     rung.Percent,
			SizePercent: rung.SizePercent,
			Price:       price,
			OnHit:       domain.TPAction(rung.OnHit),
		})
	}

	return ladder
}
