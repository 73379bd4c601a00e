package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhall/leverbot/internal/analyzer"
	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
	"github.com/avhall/leverbot/internal/exit"
	"github.com/avhall/leverbot/internal/gateway"
	"github.com/avhall/leverbot/internal/lifecycle"
)

// fakeExchange implements both the lifecycle's exchange client and the
// trader's market-data slice, so one fake backs the whole wiring.
type fakeExchange struct {
	mu            sync.Mutex
	openCalls     int
	closeCalls    int
	cancelCalls   int
	priceCalls    int
	stopLossCalls []float64
	trailingCalls []float64
	lastSizing    domain.PositionSizing

	price   float64
	candles []domain.Candle
}

func (f *fakeExchange) OpenPosition(ctx context.Context, d domain.TradeDecision, s domain.PositionSizing) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	f.lastSizing = s

	side := domain.SideLong
	if d.Direction == domain.DirectionShort {
		side = domain.SideShort
	}
	return &domain.Position{
		ID:         "pos-1",
		Symbol:     d.Symbol,
		Side:       side,
		Quantity:   s.Quantity,
		EntryPrice: 40000,
		Leverage:   s.Leverage,
		StopLoss:   domain.StopLossState{Price: s.StopLossPrice, InitialPrice: s.StopLossPrice},
		TakeProfits: append([]domain.TakeProfitLevel(nil),
			s.TakeProfits...),
		OpenedAt: time.Now().UTC(),
		Status:   domain.PositionStatusOpen,
	}, nil
}

func (f *fakeExchange) ClosePosition(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeExchange) CancelAllConditionalOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeExchange) UpdateStopLoss(ctx context.Context, symbol string, price float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLossCalls = append(f.stopLossCalls, price)
	return nil
}

func (f *fakeExchange) SetTrailingStop(ctx context.Context, symbol string, distance float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trailingCalls = append(f.trailingCalls, distance)
	return nil
}

func (f *fakeExchange) UpdateTakeProfitPartial(ctx context.Context, symbol string, price, sizePercent float64) error {
	return nil
}

func (f *fakeExchange) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	return f.price, nil
}

func (f *fakeExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles, nil
}

// closeRecorder captures position-closed callbacks fired by the manager.
type closeRecorder struct {
	mu      sync.Mutex
	reasons []domain.CloseReason
}

func (c *closeRecorder) record(_ context.Context, _ domain.Position, reason domain.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *closeRecorder) all() []domain.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.CloseReason(nil), c.reasons...)
}

// fakePriceCache serves one canned tick.
type fakePriceCache struct {
	price float64
	ts    time.Time
	err   error
}

func (f *fakePriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	f.price, f.ts = price, ts
	return nil
}

func (f *fakePriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	if f.err != nil {
		return 0, time.Time{}, f.err
	}
	return f.price, f.ts, nil
}

// memDecisions is an in-memory decision journal.
type memDecisions struct {
	mu   sync.Mutex
	recs []domain.DecisionRecord
}

func (m *memDecisions) Record(ctx context.Context, rec domain.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

// stubAnalyzer emits a fixed opinion regardless of the candles.
type stubAnalyzer struct {
	name string
	dir  domain.Direction
	conf float64
}

func (s stubAnalyzer) Name() string { return s.name }

func (s stubAnalyzer) Analyze(candles []domain.Candle) (domain.AnalyzerSignal, error) {
	return domain.AnalyzerSignal{
		Source:     s.name,
		Direction:  s.dir,
		Confidence: s.conf,
		Weight:     1,
	}, nil
}

func (s stubAnalyzer) Ready(candles []domain.Candle) bool { return len(candles) > 0 }

func (s stubAnalyzer) MinCandles() int { return 1 }
func (s stubAnalyzer) Weight() float64 { return 1 }
func (s stubAnalyzer) Priority() int   { return 5 }

// newTestTrader wires a trader against the fake with a never-connected
// gateway. Bind runs so manager callbacks reach the trader, and the returned
// recorder observes every close the manager emits.
func newTestTrader(ex *fakeExchange) (*Trader, *closeRecorder) {
	base := slog.New(slog.DiscardHandler)

	cfg := config.Defaults()
	cfg.Exchange.Symbol = "BTCUSDT"
	cfg.Trading.AutoExecute = true
	cfg.Trading.Quantity = 0.5
	cfg.Trading.Leverage = 10
	cfg.Trading.StopLossPercent = 2.5
	cfg.Trading.OpenRetries = 1
	cfg.Trading.CandleInterval = "5"
	cfg.Trading.CandleLimit = 50
	cfg.Exit = config.ExitConfig{
		BreakevenMarginPercent: 0.1,
		Trailing: config.TrailingConfig{
			BasePercent:   1.0,
			ATRMultiplier: 2.0,
			MinPercent:    0.1,
			MaxPercent:    5.0,
		},
		TakeProfits: []config.TakeProfitLevelConfig{
			{Percent: 2.5, SizePercent: 50, OnHit: "move_sl_to_breakeven"},
			{Percent: 5.0, SizePercent: 30, OnHit: "activate_trailing"},
			{Percent: 7.5, SizePercent: 20, OnHit: "close"},
		},
	}
	cfg.Aggregation = config.AggregationConfig{
		ConflictThreshold: 0.4,
		MinConfidence:     55,
		MinTotalScore:     0.5,
		MinSignalsLong:    1,
		MinSignalsShort:   1,
		BlindZonePenalty:  0.7,
		Weights:           map[string]float64{"alpha": 1, "beta": 1},
	}

	manager := lifecycle.NewManager(ex, nil, cfg.Trading, base)
	exits := exit.NewHandler(ex, nil, cfg.Exit, base)
	gw := gateway.New(cfg.Websocket, "wss://stream.invalid/v5/private", nil, base)

	tr := New(cfg, Deps{
		Market:   ex,
		Manager:  manager,
		Exits:    exits,
		Registry: analyzer.NewRegistry(),
		Gateway:  gw,
	}, base)
	tr.Bind()

	rec := &closeRecorder{}
	manager.OnPositionClosed(rec.record)
	return tr, rec
}

// openTestPosition tracks a long at 40000 with the three-rung ladder the
// test exit config prices.
func openTestPosition(t *testing.T, tr *Trader) *domain.Position {
	t.Helper()
	pos, err := tr.manager.Open(context.Background(), domain.TradeDecision{
		Symbol:    "BTCUSDT",
		Direction: domain.DirectionLong,
	}, domain.PositionSizing{
		Quantity:      0.5,
		Leverage:      10,
		StopLossPrice: 39000,
		TakeProfits:   exit.BuildLadder(domain.SideLong, 40000, tr.exitCfg.TakeProfits),
	})
	require.NoError(t, err)
	require.NotNil(t, pos)
	return pos
}

func flatCandles(n int) []domain.Candle {
	candles := make([]domain.Candle, n)
	start := time.Now().UTC().Add(-time.Duration(n) * 5 * time.Minute)
	for i := range candles {
		candles[i] = domain.Candle{
			Start:  start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   40000,
			High:   40100,
			Low:    39900,
			Close:  40000,
			Volume: 10,
		}
	}
	return candles
}

func TestHandleTakeProfitFill_Breakeven(t *testing.T) {
	ex := &fakeExchange{price: 41000}
	tr, _ := newTestTrader(ex)
	openTestPosition(t, tr)

	fill := domain.ConditionalFill{Symbol: "BTCUSDT", AvgPrice: 41000, Qty: 0.25}
	tr.handleTakeProfitFill(context.Background(), fill, 1)

	require.Len(t, ex.stopLossCalls, 1)
	assert.InDelta(t, 40040, ex.stopLossCalls[0], 1e-6)
	assert.Zero(t, ex.closeCalls)

	snap := tr.manager.Snapshot()
	require.NotNil(t, snap)
	assert.InDelta(t, 40040, snap.StopLoss.Price, 1e-6)
	assert.True(t, snap.StopLoss.IsBreakeven)
	assert.True(t, snap.TakeProfits[0].Hit)
}

func TestHandleTakeProfitFill_ReplayedFrameIgnored(t *testing.T) {
	ex := &fakeExchange{price: 41000}
	tr, _ := newTestTrader(ex)
	openTestPosition(t, tr)

	fill := domain.ConditionalFill{Symbol: "BTCUSDT", AvgPrice: 41000, Qty: 0.25}
	tr.handleTakeProfitFill(context.Background(), fill, 1)
	tr.handleTakeProfitFill(context.Background(), fill, 1)

	assert.Len(t, ex.stopLossCalls, 1)
}

func TestHandleTakeProfitFill_LevelResolvedFromPrice(t *testing.T) {
	t.Run("matches_ladder_rung", func(t *testing.T) {
		ex := &fakeExchange{price: 42000}
		tr, _ := newTestTrader(ex)
		openTestPosition(t, tr)

		// Level 0 forces price resolution; 42000.5 lands on rung 2, whose
		// action is trailing activation at the base distance.
		fill := domain.ConditionalFill{Symbol: "BTCUSDT", AvgPrice: 42000.5, Qty: 0.15}
		tr.handleTakeProfitFill(context.Background(), fill, 0)

		require.Len(t, ex.trailingCalls, 1)
		assert.InDelta(t, 400, ex.trailingCalls[0], 1e-9)

		snap := tr.manager.Snapshot()
		require.NotNil(t, snap)
		assert.True(t, snap.StopLoss.IsTrailing)
		assert.True(t, snap.TakeProfits[1].Hit)
	})

	t.Run("unmatched_price_dropped", func(t *testing.T) {
		ex := &fakeExchange{price: 42000}
		tr, _ := newTestTrader(ex)
		openTestPosition(t, tr)

		fill := domain.ConditionalFill{Symbol: "BTCUSDT", AvgPrice: 50000, Qty: 0.15}
		tr.handleTakeProfitFill(context.Background(), fill, 0)

		assert.Empty(t, ex.stopLossCalls)
		assert.Empty(t, ex.trailingCalls)
		for _, level := range tr.manager.Snapshot().TakeProfits {
			assert.False(t, level.Hit)
		}
	})
}

func TestHandleTakeProfitFill_CloseAction(t *testing.T) {
	ex := &fakeExchange{price: 43000}
	tr, rec := newTestTrader(ex)
	openTestPosition(t, tr)

	fill := domain.ConditionalFill{Symbol: "BTCUSDT", AvgPrice: 43000, Qty: 0.1}
	tr.handleTakeProfitFill(context.Background(), fill, 3)

	assert.Equal(t, 1, ex.closeCalls)
	assert.Equal(t, 1, ex.cancelCalls)
	assert.False(t, tr.manager.HasPosition())
	assert.Equal(t, []domain.CloseReason{domain.CloseReasonTakeProfit}, rec.all())
}

func TestHandleTakeProfitFill_NoPosition(t *testing.T) {
	ex := &fakeExchange{price: 41000}
	tr, _ := newTestTrader(ex)

	fill := domain.ConditionalFill{Symbol: "BTCUSDT", AvgPrice: 41000, Qty: 0.25}
	tr.handleTakeProfitFill(context.Background(), fill, 1)

	assert.Empty(t, ex.stopLossCalls)
	assert.Zero(t, ex.closeCalls)
}

func TestHandleStopLossFill(t *testing.T) {
	t.Run("fixed_stop", func(t *testing.T) {
		ex := &fakeExchange{price: 39000}
		tr, rec := newTestTrader(ex)
		openTestPosition(t, tr)

		fill := domain.ConditionalFill{Symbol: "BTCUSDT", AvgPrice: 39000, Qty: 0.5}
		tr.handleStopLossFill(context.Background(), fill)

		// The exchange already closed the position; only leftovers are
		// cancelled locally.
		assert.Zero(t, ex.closeCalls)
		assert.Equal(t, 1, ex.cancelCalls)
		assert.False(t, tr.manager.HasPosition())
		assert.Equal(t, []domain.CloseReason{domain.CloseReasonStopLoss}, rec.all())
	})

	t.Run("trailing_stop", func(t *testing.T) {
		ex := &fakeExchange{price: 41500}
		tr, rec := newTestTrader(ex)
		openTestPosition(t, tr)
		tr.manager.ActivateTrailing()

		fill := domain.ConditionalFill{Symbol: "BTCUSDT", AvgPrice: 41500, Qty: 0.5}
		tr.handleStopLossFill(context.Background(), fill)

		assert.False(t, tr.manager.HasPosition())
		assert.Equal(t, []domain.CloseReason{domain.CloseReasonTrailingStop}, rec.all())
	})
}

func TestEnforceMaxHold(t *testing.T) {
	t.Run("closes_aged_position", func(t *testing.T) {
		ex := &fakeExchange{price: 40000}
		tr, rec := newTestTrader(ex)
		openTestPosition(t, tr)

		tr.cfg.MaxPositionHold.Duration = 2 * time.Millisecond
		time.Sleep(5 * time.Millisecond)
		tr.enforceMaxHold(context.Background())

		assert.Equal(t, 1, ex.closeCalls)
		assert.False(t, tr.manager.HasPosition())
		assert.Equal(t, []domain.CloseReason{domain.CloseReasonTimeout}, rec.all())
	})

	t.Run("zero_cap_disables", func(t *testing.T) {
		ex := &fakeExchange{price: 40000}
		tr, _ := newTestTrader(ex)
		openTestPosition(t, tr)

		tr.cfg.MaxPositionHold.Duration = 0
		tr.enforceMaxHold(context.Background())

		assert.Zero(t, ex.closeCalls)
		assert.True(t, tr.manager.HasPosition())
	})
}

func TestDecisionRound_WaitIsRecorded(t *testing.T) {
	ex := &fakeExchange{price: 40000, candles: flatCandles(30)}
	tr, _ := newTestTrader(ex)

	journal := &memDecisions{}
	tr.decisions = journal

	// No analyzers registered, so the round has nothing to act on.
	tr.decisionRound(context.Background())

	require.Len(t, journal.recs, 1)
	rec := journal.recs[0]
	assert.Nil(t, rec.Direction)
	assert.Zero(t, rec.SignalCount)
	assert.Equal(t, "no signals", rec.Reasoning)
	assert.Zero(t, ex.openCalls)
	assert.False(t, tr.manager.HasPosition())
}

func TestDecisionRound_OpensOnConsensus(t *testing.T) {
	ex := &fakeExchange{price: 40000, candles: flatCandles(30)}
	tr, _ := newTestTrader(ex)
	tr.registry.Register(stubAnalyzer{name: "alpha", dir: domain.DirectionLong, conf: 90})
	tr.registry.Register(stubAnalyzer{name: "beta", dir: domain.DirectionLong, conf: 90})

	tr.decisionRound(context.Background())

	require.Equal(t, 1, ex.openCalls)
	require.True(t, tr.manager.HasPosition())

	sizing := ex.lastSizing
	assert.InDelta(t, 0.5, sizing.Quantity, 1e-9)
	assert.Equal(t, 10, sizing.Leverage)
	assert.InDelta(t, 39000, sizing.StopLossPrice, 1e-6)
	require.Len(t, sizing.TakeProfits, 3)
	assert.InDelta(t, 41000, sizing.TakeProfits[0].Price, 1e-6)
	assert.InDelta(t, 43000, sizing.TakeProfits[2].Price, 1e-6)

	// A second round with the position still open must not stack entries.
	tr.decisionRound(context.Background())
	assert.Equal(t, 1, ex.openCalls)
}

func TestDecisionRound_AutoExecuteOff(t *testing.T) {
	ex := &fakeExchange{price: 40000, candles: flatCandles(30)}
	tr, _ := newTestTrader(ex)
	tr.registry.Register(stubAnalyzer{name: "alpha", dir: domain.DirectionLong, conf: 90})
	tr.registry.Register(stubAnalyzer{name: "beta", dir: domain.DirectionLong, conf: 90})
	tr.cfg.AutoExecute = false

	tr.decisionRound(context.Background())

	assert.Zero(t, ex.openCalls)
	assert.False(t, tr.manager.HasPosition())
}

func TestSizingPrice(t *testing.T) {
	t.Run("fresh_cache_hit_skips_ticker", func(t *testing.T) {
		ex := &fakeExchange{price: 41000}
		tr, _ := newTestTrader(ex)
		tr.prices = &fakePriceCache{price: 40500, ts: time.Now().UTC()}

		price, err := tr.sizingPrice(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 40500, price, 1e-9)
		assert.Zero(t, ex.priceCalls)
	})

	t.Run("stale_cache_falls_back_to_ticker", func(t *testing.T) {
		ex := &fakeExchange{price: 41000}
		tr, _ := newTestTrader(ex)
		tr.prices = &fakePriceCache{price: 40500, ts: time.Now().UTC().Add(-time.Minute)}

		price, err := tr.sizingPrice(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 41000, price, 1e-9)
		assert.Equal(t, 1, ex.priceCalls)
	})

	t.Run("cache_error_falls_back_to_ticker", func(t *testing.T) {
		ex := &fakeExchange{price: 41000}
		tr, _ := newTestTrader(ex)
		tr.prices = &fakePriceCache{err: errors.New("redis down")}

		price, err := tr.sizingPrice(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 41000, price, 1e-9)
	})
}

func TestHandleGatewayError(t *testing.T) {
	ex := &fakeExchange{price: 40000}
	tr, _ := newTestTrader(ex)

	tr.handleGatewayError(context.Background(), fmt.Errorf("dial: %w", domain.ErrConnection))

	select {
	case err := <-tr.errCh:
		assert.ErrorIs(t, err, domain.ErrConnection)
	default:
		t.Fatal("connection loss was not escalated")
	}

	// Anything else is logged, not escalated.
	tr.handleGatewayError(context.Background(), fmt.Errorf("degraded: %w", domain.ErrAuthentication))
	select {
	case err := <-tr.errCh:
		t.Fatalf("unexpected escalation: %v", err)
	default:
	}
}

func TestStatus(t *testing.T) {
	ex := &fakeExchange{price: 40000}
	tr, _ := newTestTrader(ex)

	st := tr.Status()
	assert.Equal(t, "observe", st.Mode)
	assert.Equal(t, "DISCONNECTED", st.WSState)
	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.False(t, st.HasPosition)
	assert.GreaterOrEqual(t, st.UptimeSeconds, int64(0))

	openTestPosition(t, tr)
	assert.True(t, tr.Status().HasPosition)
}
