// Package trader runs the decision loop and routes gateway push events into
// the lifecycle manager and exit handler. It is the only place where the
// analysis side and the execution side of the bot meet.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/avhall/leverbot/internal/aggregator"
	"github.com/avhall/leverbot/internal/analyzer"
	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
	"github.com/avhall/leverbot/internal/exit"
	"github.com/avhall/leverbot/internal/gateway"
	"github.com/avhall/leverbot/internal/lifecycle"
	"github.com/avhall/leverbot/internal/notify"
)

// atrPeriod is the lookback used when deriving the trailing-stop distance
// from recent volatility.
const atrPeriod = 14

// priceFreshness is how recent a cached tick must be to price an entry
// without another ticker round trip.
const priceFreshness = 10 * time.Second

// MarketData is the read-only slice of the exchange client the decision loop
// needs.
type MarketData interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Deps bundles the trader's collaborators. Decisions, Prices, Stream and
// Notifier may be nil; the matching feature degrades to a no-op.
type Deps struct {
	Market   MarketData
	Manager  *lifecycle.Manager
	Exits    *exit.Handler
	Registry *analyzer.Registry
	Gateway  *gateway.Gateway

	Decisions domain.DecisionJournal
	Prices    domain.PriceCache
	Stream    domain.EventStream
	Notifier  *notify.Notifier
}

// Trader owns the periodic decision loop. Bind must be called once before
// Run so push events reach the position state machine.
type Trader struct {
	symbol  string
	mode    string
	cfg     config.TradingConfig
	exitCfg config.ExitConfig
	aggCfg  config.AggregationConfig

	market   MarketData
	manager  *lifecycle.Manager
	exits    *exit.Handler
	registry *analyzer.Registry
	gateway  *gateway.Gateway

	decisions domain.DecisionJournal
	prices    domain.PriceCache
	stream    domain.EventStream
	notifier  *notify.Notifier

	logger    *slog.Logger
	startedAt time.Time

	// lastCandles holds the most recent kline fetch so fill handlers can
	// derive an ATR without a blocking market call.
	candleMu    sync.RWMutex
	lastCandles []domain.Candle

	errCh chan error
}

// New creates the trader. The caller decides auto-execution by setting
// cfg.Trading.AutoExecute before construction; observe mode forces it off.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Trader {
	return &Trader{
		symbol:    cfg.Exchange.Symbol,
		mode:      cfg.Mode,
		cfg:       cfg.Trading,
		exitCfg:   cfg.Exit,
		aggCfg:    cfg.Aggregation,
		market:    deps.Market,
		manager:   deps.Manager,
		exits:     deps.Exits,
		registry:  deps.Registry,
		gateway:   deps.Gateway,
		decisions: deps.Decisions,
		prices:    deps.Prices,
		stream:    deps.Stream,
		notifier:  deps.Notifier,
		logger:    logger.With(slog.String("component", "trader")),
		startedAt: time.Now().UTC(),
		errCh:     make(chan error, 1),
	}
}

// Bind attaches the gateway and lifecycle handlers. Call once, before the
// gateway connects, so no early frame is missed.
func (t *Trader) Bind() {
	// wasDown separates the first connect from a recovery; only the latter
	// is worth an operator alert.
	var wasDown atomic.Bool
	t.gateway.OnConnected(func(ctx context.Context) {
		t.logger.Info("push channel ready")
		if wasDown.CompareAndSwap(true, false) {
			t.notify(ctx, notify.EventWSRestored, "Websocket restored", "push channel reconnected, private events flowing again")
		}
	})
	t.gateway.OnDisconnected(func(ctx context.Context, err error) {
		wasDown.Store(true)
		msg := "connection dropped"
		if err != nil {
			msg = err.Error()
		}
		t.notify(ctx, notify.EventWSDisconnected, "Websocket disconnected", msg)
	})
	t.gateway.OnError(t.handleGatewayError)

	t.gateway.OnPositionUpdate(func(ctx context.Context, ws domain.WSPosition) {
		t.manager.SyncWithWebSocket(ctx, ws)
	})
	t.gateway.OnPositionClosed(func(ctx context.Context, symbol string) {
		t.manager.ClearPosition(ctx, domain.CloseReasonExchange)
	})
	t.gateway.OnOrderFilled(func(ctx context.Context, fill domain.OrderFill) {
		t.logger.Info("entry fill confirmed",
			slog.String("symbol", fill.Symbol),
			slog.Float64("price", fill.ExecPrice),
			slog.Float64("qty", fill.ExecQty),
		)
	})
	t.gateway.OnTakeProfitFilled(t.handleTakeProfitFill)
	t.gateway.OnStopLossFilled(t.handleStopLossFill)

	t.manager.OnPositionClosed(t.handlePositionClosed)
}

// Run drives decision rounds until ctx is cancelled or the gateway reports an
// unrecoverable failure.
func (t *Trader) Run(ctx context.Context) error {
	t.logger.Info("trader running",
		slog.String("symbol", t.symbol),
		slog.String("mode", t.mode),
		slog.Bool("auto_execute", t.cfg.AutoExecute),
		slog.String("interval", t.cfg.DecisionInterval.Duration.String()),
	)

	ticker := time.NewTicker(t.cfg.DecisionInterval.Duration)
	defer ticker.Stop()

	t.decisionRound(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-t.errCh:
			return fmt.Errorf("trader: push channel lost: %w", err)
		case <-ticker.C:
			t.decisionRound(ctx)
		}
	}
}

// Status summarizes the bot for the ops endpoints.
func (t *Trader) Status() domain.BotStatus {
	return domain.BotStatus{
		Mode:          t.mode,
		WSState:       string(t.gateway.State()),
		UptimeSeconds: int64(time.Since(t.startedAt).Seconds()),
		HasPosition:   t.manager.HasPosition(),
		Symbol:        t.symbol,
	}
}

// ---- decision loop ----

// decisionRound runs one full analyze-aggregate-act cycle. Every failure is
// contained to the round; the loop itself never dies.
func (t *Trader) decisionRound(ctx context.Context) {
	t.enforceMaxHold(ctx)

	candles, err := t.market.GetCandles(ctx, t.symbol, t.cfg.CandleInterval, t.cfg.CandleLimit)
	if err != nil {
		t.logger.Warn("candle fetch failed", slog.String("error", err.Error()))
		return
	}
	if len(candles) == 0 {
		t.logger.Warn("candle fetch returned nothing")
		return
	}
	t.storeCandles(candles)
	t.cachePrice(ctx, candles[len(candles)-1].Close)

	signals, errs := t.registry.Collect(candles)
	for _, aerr := range errs {
		t.logger.Warn("analyzer failed", slog.String("error", aerr.Error()))
	}

	res := aggregator.Aggregate(signals, t.aggCfg)
	t.recordDecision(ctx, res)

	if res.Direction == nil {
		t.logger.Debug("round resolved to wait",
			slog.Int("signals", res.SignalCount),
			slog.String("reasoning", res.Conflict.Reasoning),
		)
		return
	}

	t.logger.Info("directional decision",
		slog.String("direction", string(*res.Direction)),
		slog.Float64("score", res.TotalScore),
		slog.Float64("confidence", res.Confidence),
		slog.String("reasoning", res.Conflict.Reasoning),
	)

	if t.manager.HasPosition() {
		t.logger.Debug("position already open, entry skipped")
		return
	}
	if !t.cfg.AutoExecute {
		t.logger.Info("auto-execute disabled, entry skipped")
		return
	}

	t.openFromDecision(ctx, *res.Direction, res)
}

// enforceMaxHold closes a position that has been open longer than the
// configured cap. Zero disables the cap.
func (t *Trader) enforceMaxHold(ctx context.Context) {
	if t.cfg.MaxPositionHold.Duration <= 0 {
		return
	}
	pos := t.manager.Snapshot()
	if pos == nil {
		return
	}
	age := time.Since(pos.OpenedAt)
	if age < t.cfg.MaxPositionHold.Duration {
		return
	}

	t.logger.Info("position exceeded max hold, closing",
		slog.String("symbol", pos.Symbol),
		slog.String("age", age.Round(time.Second).String()),
	)
	t.manager.CloseWithLock(ctx, pos.ID, domain.CloseReasonTimeout)
}

// openFromDecision sizes and opens a position for an accepted direction. The
// protective stop and ladder are priced from the current ticker; a market
// entry fills close enough for the percent distances to hold.
func (t *Trader) openFromDecision(ctx context.Context, dir domain.Direction, res domain.AggregationResult) {
	price, err := t.sizingPrice(ctx)
	if err != nil {
		t.logger.Warn("price fetch failed, entry skipped", slog.String("error", err.Error()))
		return
	}

	side := domain.SideLong
	if dir == domain.DirectionShort {
		side = domain.SideShort
	}

	decision := domain.TradeDecision{
		Symbol:     t.symbol,
		Direction:  dir,
		Confidence: res.Confidence,
		TotalScore: res.TotalScore,
		Reasoning:  res.Conflict.Reasoning,
	}
	sizing := domain.PositionSizing{
		Quantity:      t.cfg.Quantity,
		Leverage:      t.cfg.Leverage,
		MarginUSD:     t.cfg.MarginUSD,
		StopLossPrice: exit.InitialStopLoss(side, price, t.cfg.StopLossPercent),
		TakeProfits:   exit.BuildLadder(side, price, t.exitCfg.TakeProfits),
	}

	pos, err := t.manager.Open(ctx, decision, sizing)
	if err != nil {
		t.logger.Error("entry failed", slog.String("error", err.Error()))
		return
	}

	t.notify(ctx, notify.EventPositionOpened, "Position opened",
		fmt.Sprintf("%s %s qty %s @ %.4f, SL %.4f",
			pos.Symbol, pos.Side, formatFloat(pos.Quantity), pos.EntryPrice, pos.StopLoss.Price))
	t.publish(ctx, "position_opened", map[string]string{
		"side":  string(pos.Side),
		"qty":   formatFloat(pos.Quantity),
		"entry": formatFloat(pos.EntryPrice),
		"sl":    formatFloat(pos.StopLoss.Price),
	})
}

// ---- push event handlers ----

// handleTakeProfitFill marks the filled rung exactly once and applies the
// configured follow-up action. A zero level means the frame carried no usable
// link ID; the rung is then resolved by fill price.
func (t *Trader) handleTakeProfitFill(ctx context.Context, fill domain.ConditionalFill, level int) {
	pos := t.manager.Snapshot()
	if pos == nil {
		t.logger.Debug("take-profit fill with no tracked position",
			slog.String("symbol", fill.Symbol))
		return
	}

	if level == 0 {
		resolved, ok := t.manager.ResolveTakeProfitLevel(fill.AvgPrice)
		if !ok {
			t.logger.Warn("take-profit fill matched no ladder level",
				slog.Float64("price", fill.AvgPrice))
			return
		}
		level = resolved
	}

	if _, ok := t.manager.MarkTakeProfitHit(level); !ok {
		t.logger.Debug("take-profit level already handled", slog.Int("level", level))
		return
	}

	res := t.exits.HandleTPHit(ctx, domain.TPHitEvent{
		Symbol:       pos.Symbol,
		Position:     t.manager.Snapshot(),
		CurrentPrice: fill.AvgPrice,
		TPLevel:      level,
		ATRPercent:   t.atrPercent(),
	})

	switch {
	case res.CloseRequested:
		t.manager.CloseWithLock(ctx, pos.ID, domain.CloseReasonTakeProfit)

	case res.Success && res.Action == domain.TPActionMoveSLToBreakeven:
		t.manager.SetStopLoss(res.NewSLPrice, true)
		t.notify(ctx, notify.EventSLMoved, "Stop moved to breakeven",
			fmt.Sprintf("%s SL -> %.4f after TP%d", pos.Symbol, res.NewSLPrice, level))
		t.publish(ctx, "stop_moved", map[string]string{
			"level":  strconv.Itoa(level),
			"new_sl": formatFloat(res.NewSLPrice),
		})

	case res.Success && res.Action == domain.TPActionActivateTrailing:
		t.manager.ActivateTrailing()
		t.notify(ctx, notify.EventTrailingActivated, "Trailing stop active",
			fmt.Sprintf("%s trailing at distance %.4f after TP%d", pos.Symbol, res.Distance, level))
		t.publish(ctx, "trailing_activated", map[string]string{
			"level":    strconv.Itoa(level),
			"distance": formatFloat(res.Distance),
		})

	case res.Custom:
		t.logger.Info("custom take-profit action acknowledged", slog.Int("level", level))

	case !res.Success:
		t.logger.Warn("take-profit follow-up failed",
			slog.Int("level", level),
			slog.String("message", res.Message),
		)
	}
}

// handleStopLossFill clears local state after the exchange reports the stop
// filled. The trailing flag decides which close reason is recorded.
func (t *Trader) handleStopLossFill(ctx context.Context, fill domain.ConditionalFill) {
	reason := domain.CloseReasonStopLoss
	if pos := t.manager.Snapshot(); pos != nil && pos.StopLoss.IsTrailing {
		reason = domain.CloseReasonTrailingStop
	}

	t.logger.Info("stop fill reported",
		slog.String("symbol", fill.Symbol),
		slog.Float64("price", fill.AvgPrice),
		slog.String("reason", string(reason)),
	)
	t.manager.ClearPosition(ctx, reason)
}

// handlePositionClosed finishes bookkeeping once the manager has released a
// position, whatever triggered the close.
func (t *Trader) handlePositionClosed(ctx context.Context, pos domain.Position, reason domain.CloseReason) {
	pnl := pos.UnrealizedPnL
	if price, err := t.market.GetCurrentPrice(ctx, pos.Symbol); err == nil {
		pnl = exit.PnL(pos.Side, pos.EntryPrice, price, pos.Quantity)
	}

	res := t.exits.HandlePositionClosed(ctx, domain.PositionClosedEvent{
		Symbol:   pos.Symbol,
		Position: &pos,
		Reason:   reason,
		PnL:      pnl,
	})
	if res.Message != "" {
		t.logger.Debug("close bookkeeping degraded", slog.String("message", res.Message))
	}

	t.notify(ctx, notify.EventPositionClosed, "Position closed",
		fmt.Sprintf("%s %s closed (%s), pnl %.2f", pos.Symbol, pos.Side, reason, pnl))
	t.publish(ctx, "position_closed", map[string]string{
		"side":   string(pos.Side),
		"reason": string(reason),
		"pnl":    formatFloat(pnl),
	})
}

// handleGatewayError escalates unrecoverable connection loss to Run and logs
// everything else. Degraded auth keeps the bot alive on REST alone.
func (t *Trader) handleGatewayError(ctx context.Context, err error) {
	if errors.Is(err, domain.ErrConnection) {
		select {
		case t.errCh <- err:
		default:
		}
		return
	}
	t.logger.Warn("gateway degraded", slog.String("error", err.Error()))
}

// ---- helpers ----

func (t *Trader) storeCandles(candles []domain.Candle) {
	t.candleMu.Lock()
	t.lastCandles = candles
	t.candleMu.Unlock()
}

// atrPercent derives the volatility input for trailing distance from the last
// kline fetch. Nil when not enough candles have been seen yet.
func (t *Trader) atrPercent() *float64 {
	t.candleMu.RLock()
	defer t.candleMu.RUnlock()

	v, ok := analyzer.ATRPercent(t.lastCandles, atrPeriod)
	if !ok {
		return nil
	}
	return &v
}

// sizingPrice returns the freshest price available for stop and ladder
// pricing. A cache hit younger than priceFreshness skips the ticker call;
// everything else falls through to REST.
func (t *Trader) sizingPrice(ctx context.Context) (float64, error) {
	if t.prices != nil {
		if price, ts, err := t.prices.GetPrice(ctx, t.symbol); err == nil && time.Since(ts) <= priceFreshness {
			return price, nil
		}
	}
	return t.market.GetCurrentPrice(ctx, t.symbol)
}

func (t *Trader) cachePrice(ctx context.Context, price float64) {
	if t.prices == nil {
		return
	}
	if err := t.prices.SetPrice(ctx, t.symbol, price, time.Now().UTC()); err != nil {
		t.logger.Debug("price cache update failed", slog.String("error", err.Error()))
	}
}

func (t *Trader) recordDecision(ctx context.Context, res domain.AggregationResult) {
	if t.decisions == nil {
		return
	}
	rec := domain.DecisionRecord{
		ID:          uuid.NewString(),
		Symbol:      t.symbol,
		Direction:   res.Direction,
		TotalScore:  res.TotalScore,
		Confidence:  res.Confidence,
		SignalCount: res.SignalCount,
		ShouldWait:  res.Conflict.ShouldWait,
		Reasoning:   res.Conflict.Reasoning,
		CreatedAt:   time.Now().UTC(),
	}
	if err := t.decisions.Record(ctx, rec); err != nil {
		t.logger.Warn("decision journal write failed", slog.String("error", err.Error()))
	}
}

func (t *Trader) notify(ctx context.Context, event, title, message string) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.Notify(ctx, event, title, message); err != nil {
		t.logger.Debug("notification failed", slog.String("error", err.Error()))
	}
}

func (t *Trader) publish(ctx context.Context, kind string, payload map[string]string) {
	if t.stream == nil {
		return
	}
	ev := domain.StreamEvent{
		Kind:    kind,
		Symbol:  t.symbol,
		Payload: payload,
		At:      time.Now().UTC(),
	}
	if err := t.stream.Append(ctx, ev); err != nil {
		t.logger.Debug("event stream append failed", slog.String("error", err.Error()))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
