package exit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
)

func TestBreakevenPrice(t *testing.T) {
	assert.InDelta(t, 100.1, BreakevenPrice(domain.SideLong, 100, 0.1), 1e-9)
	assert.InDelta(t, 99.9, BreakevenPrice(domain.SideShort, 100, 0.1), 1e-9)
	assert.InDelta(t, 40040, BreakevenPrice(domain.SideLong, 40000, 0.1), 1e-6)

	// Zero margin degenerates to entry itself.
	assert.InDelta(t, 40000, BreakevenPrice(domain.SideLong, 40000, 0), 1e-9)
}

func TestIsValidBreakeven(t *testing.T) {
	assert.True(t, IsValidBreakeven(domain.SideLong, 100, 100.1))
	assert.True(t, IsValidBreakeven(domain.SideLong, 100, 100))
	assert.False(t, IsValidBreakeven(domain.SideLong, 100, 99.9))

	assert.True(t, IsValidBreakeven(domain.SideShort, 100, 99.9))
	assert.True(t, IsValidBreakeven(domain.SideShort, 100, 100))
	assert.False(t, IsValidBreakeven(domain.SideShort, 100, 100.1))
}

func TestTrailingDistance(t *testing.T) {
	tc := config.TrailingConfig{
		BasePercent:   1.0,
		ATRMultiplier: 2.0,
		MinPercent:    0.1,
		MaxPercent:    5.0,
	}

	t.Run("base_percent_without_atr", func(t *testing.T) {
		assert.InDelta(t, 400, TrailingDistance(40000, tc, nil), 1e-9)
	})

	t.Run("atr_replaces_base", func(t *testing.T) {
		atr := 1.5
		// 1.5% * 2.0 = 3% of entry, not 1% + 3%.
		assert.InDelta(t, 1200, TrailingDistance(40000, tc, &atr), 1e-9)
	})

	t.Run("clamped_to_max", func(t *testing.T) {
		atr := 4.0 // 8% before the clamp
		assert.InDelta(t, 2000, TrailingDistance(40000, tc, &atr), 1e-9)
	})

	t.Run("clamped_to_min", func(t *testing.T) {
		atr := 0.01 // 0.02% before the clamp
		assert.InDelta(t, 40, TrailingDistance(40000, tc, &atr), 1e-9)
	})
}

func TestTrailingStopPrice(t *testing.T) {
	assert.InDelta(t, 40600, TrailingStopPrice(domain.SideLong, 41000, 400), 1e-9)
	assert.InDelta(t, 39400, TrailingStopPrice(domain.SideShort, 39000, 400), 1e-9)
}

func TestShouldUpdateTrailing(t *testing.T) {
	// Longs only ratchet upward.
	assert.True(t, ShouldUpdateTrailing(domain.SideLong, 100, 101))
	assert.False(t, ShouldUpdateTrailing(domain.SideLong, 100, 100))
	assert.False(t, ShouldUpdateTrailing(domain.SideLong, 100, 99))

	// Shorts only ratchet downward.
	assert.True(t, ShouldUpdateTrailing(domain.SideShort, 100, 99))
	assert.False(t, ShouldUpdateTrailing(domain.SideShort, 100, 100))
	assert.False(t, ShouldUpdateTrailing(domain.SideShort, 100, 101))
}

func TestTakeProfitAndStopLossTriggers(t *testing.T) {
	// Boundary prices count as hits on both sides.
	assert.True(t, IsTakeProfitHit(domain.SideLong, 41000, 41000))
	assert.True(t, IsTakeProfitHit(domain.SideLong, 41001, 41000))
	assert.False(t, IsTakeProfitHit(domain.SideLong, 40999, 41000))

	assert.True(t, IsTakeProfitHit(domain.SideShort, 39000, 39000))
	assert.True(t, IsTakeProfitHit(domain.SideShort, 38999, 39000))
	assert.False(t, IsTakeProfitHit(domain.SideShort, 39001, 39000))

	assert.True(t, IsStopLossHit(domain.SideLong, 39000, 39000))
	assert.True(t, IsStopLossHit(domain.SideLong, 38000, 39000))
	assert.False(t, IsStopLossHit(domain.SideLong, 39001, 39000))

	assert.True(t, IsStopLossHit(domain.SideShort, 41000, 41000))
	assert.False(t, IsStopLossHit(domain.SideShort, 40999, 41000))
}

func TestPnL(t *testing.T) {
	assert.InDelta(t, 500, PnL(domain.SideLong, 40000, 41000, 0.5), 1e-9)
	assert.InDelta(t, -500, PnL(domain.SideLong, 40000, 39000, 0.5), 1e-9)
	assert.InDelta(t, 500, PnL(domain.SideShort, 40000, 39000, 0.5), 1e-9)
	assert.InDelta(t, -500, PnL(domain.SideShort, 40000, 41000, 0.5), 1e-9)
}

func TestPnLPercent(t *testing.T) {
	assert.InDelta(t, 2.5, PnLPercent(domain.SideLong, 40000, 41000), 1e-9)
	assert.InDelta(t, 2.5, PnLPercent(domain.SideShort, 40000, 39000), 1e-9)
	assert.InDelta(t, -2.5, PnLPercent(domain.SideShort, 40000, 41000), 1e-9)
	assert.Zero(t, PnLPercent(domain.SideLong, 0, 41000))
}

func TestSizeHelpers(t *testing.T) {
	assert.InDelta(t, 0.25, SizeToClose(0.5, 50), 1e-9)
	assert.InDelta(t, 0.2, RemainingSize(0.5, 0.3), 1e-9)

	// Overclose floors at zero instead of going negative.
	assert.Zero(t, RemainingSize(0.5, 0.6))
}

func TestInitialStopLoss(t *testing.T) {
	assert.InDelta(t, 39000, InitialStopLoss(domain.SideLong, 40000, 2.5), 1e-6)
	assert.InDelta(t, 41000, InitialStopLoss(domain.SideShort, 40000, 2.5), 1e-6)
}

func TestBuildLadder(t *testing.T) {
	rungs := []config.TakeProfitLevelConfig{
		{Percent: 2.5, SizePercent: 50, OnHit: "move_sl_to_breakeven"},
		{Percent: 5.0, SizePercent: 30, OnHit: "activate_trailing"},
		{Percent: 7.5, SizePercent: 20, OnHit: "close"},
	}

	t.Run("long", func(t *testing.T) {
		ladder := BuildLadder(domain.SideLong, 40000, rungs)
		require.Len(t, ladder, 3)

		assert.Equal(t, 1, ladder[0].Level)
		assert.InDelta(t, 41000, ladder[0].Price, 1e-6)
		assert.Equal(t, domain.TPActionMoveSLToBreakeven, ladder[0].OnHit)

		assert.Equal(t, 2, ladder[1].Level)
		assert.InDelta(t, 42000, ladder[1].Price, 1e-6)
		assert.Equal(t, domain.TPActionActivateTrailing, ladder[1].OnHit)

		assert.Equal(t, 3, ladder[2].Level)
		assert.InDelta(t, 43000, ladder[2].Price, 1e-6)
		assert.Equal(t, domain.TPActionClose, ladder[2].OnHit)

		for _, tp := range ladder {
			assert.False(t, tp.Hit)
		}
	})

	t.Run("short_mirrors_below_entry", func(t *testing.T) {
		ladder := BuildLadder(domain.SideShort, 40000, rungs)
		require.Len(t, ladder, 3)
		assert.InDelta(t, 39000, ladder[0].Price, 1e-6)
		assert.InDelta(t, 38000, ladder[1].Price, 1e-6)
		assert.InDelta(t, 37000, ladder[2].Price, 1e-6)
	})

	t.Run("empty_config", func(t *testing.T) {
		assert.Empty(t, BuildLadder(domain.SideLong, 40000, nil))
	})
}
