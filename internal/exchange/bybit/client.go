package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/crypto"
	"github.com/avhall/leverbot/internal/domain"
)

// OrderBudget guards an account-level order quota shared across processes.
// Allow reports whether one more order may be placed right now.
type OrderBudget interface {
	Allow(ctx context.Context, op string) (bool, error)
}

// Client is the REST client for the Bybit V5 trading API. It signs requests
// with HMAC, throttles them through a local rate limiter, and runs order
// mutations behind a circuit breaker so a broken exchange session cannot be
// hammered with retries.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	auth        *crypto.HMACAuth
	category    string
	recvWindow  string
	positionIdx int

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	budget  OrderBudget

	logger *slog.Logger
}

// NewClient creates a Bybit REST client for the configured environment.
func NewClient(cfg config.ExchangeConfig, auth *crypto.HMACAuth, logger *slog.Logger) *Client {
	log := logger.With(slog.String("component", "bybit"))

	settings := gobreaker.Settings{
		Name:    "bybit-orders",
		Timeout: cfg.BreakerTimeout.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerMaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &Client{
		baseURL: RESTHost(cfg.Environment),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth:       auth,
		category:   cfg.Category,
		recvWindow: strconv.Itoa(cfg.RecvWindowMs),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestBurst),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     log,
	}
}

// SetOrderBudget installs a shared order quota checked before every order
// mutation. Without one, only the local rate limiter applies.
func (c *Client) SetOrderBudget(b OrderBudget) {
	c.budget = b
}

// OpenPosition places a market entry order, arms the protective stop-loss,
// and lays the take-profit ladder as reduce-only limit orders. The returned
// position carries the exchange-reported entry price when it can be read
// back, else the last traded price.
func (c *Client) OpenPosition(ctx context.Context, decision domain.TradeDecision, sizing domain.PositionSizing) (*domain.Position, error) {
	if decision.Direction != domain.DirectionLong && decision.Direction != domain.DirectionShort {
		return nil, fmt.Errorf("bybit: open position: direction %q: %w", decision.Direction, domain.ErrValidation)
	}
	if sizing.Quantity <= 0 {
		return nil, fmt.Errorf("bybit: open position: quantity %v: %w", sizing.Quantity, domain.ErrValidation)
	}

	if err := c.checkBudget(ctx, "open"); err != nil {
		return nil, err
	}

	c.ensureLeverage(ctx, decision.Symbol, sizing.Leverage)

	side := domain.SideLong
	if decision.Direction == domain.DirectionShort {
		side = domain.SideShort
	}

	entryLink := domain.OrderLinkPrefixEntry + shortID()
	entryReq := orderCreateRequest{
		Category:    c.category,
		Symbol:      decision.Symbol,
		Side:        sideToAPI(side),
		OrderType:   "Market",
		Qty:         formatQty(sizing.Quantity),
		OrderLinkID: entryLink,
		PositionIdx: c.positionIdx,
	}

	raw, err := c.mutate(ctx, http.MethodPost, "/v5/order/create", entryReq)
	if err != nil {
		return nil, fmt.Errorf("bybit: place entry order: %w", err)
	}

	var created orderCreateResult
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("bybit: decode entry order result: %w", err)
	}

	c.logger.Info("entry order placed",
		slog.String("symbol", decision.Symbol),
		slog.String("side", string(side)),
		slog.String("order_id", created.OrderID),
		slog.Float64("qty", sizing.Quantity))

	entryPrice, err := c.readBackEntryPrice(ctx, decision.Symbol)
	if err != nil {
		c.logger.Warn("entry price read-back failed, using last trade",
			slog.String("symbol", decision.Symbol),
			slog.Any("error", err))
	}

	// The position must never sit without its stop. If arming it fails,
	// unwind the entry and report failure.
	if sizing.StopLossPrice > 0 {
		if err := c.UpdateStopLoss(ctx, decision.Symbol, sizing.StopLossPrice); err != nil {
			c.logger.Error("stop-loss arming failed, closing entry",
				slog.String("symbol", decision.Symbol),
				slog.Any("error", err))
			if closeErr := c.ClosePosition(ctx, decision.Symbol); closeErr != nil {
				c.logger.Error("unwind after failed stop-loss also failed",
					slog.String("symbol", decision.Symbol),
					slog.Any("error", closeErr))
			}
			return nil, fmt.Errorf("bybit: arm stop-loss: %w", err)
		}
	}

	// Ladder placement is best-effort. A rung that fails as a reduce-only
	// limit order is re-armed as a position-level partial take-profit; a
	// rung that fails both ways is dropped, and the stop-loss still
	// protects the position.
	for _, tp := range sizing.TakeProfits {
		if err := c.placeLadderOrder(ctx, decision.Symbol, side, sizing.Quantity, tp); err != nil {
			c.logger.Warn("take-profit rung placement failed, arming position-level fallback",
				slog.String("symbol", decision.Symbol),
				slog.Int("level", tp.Level),
				slog.Any("error", err))
			if fbErr := c.UpdateTakeProfitPartial(ctx, decision.Symbol, tp.Price, tp.SizePercent); fbErr != nil {
				c.logger.Warn("take-profit rung dropped",
					slog.String("symbol", decision.Symbol),
					slog.Int("level", tp.Level),
					slog.Any("error", fbErr))
			}
		}
	}

	now := time.Now()
	pos := &domain.Position{
		ID:         uuid.NewString(),
		Symbol:     decision.Symbol,
		Side:       side,
		Quantity:   sizing.Quantity,
		EntryPrice: entryPrice,
		Leverage:   sizing.Leverage,
		MarginUsed: sizing.MarginUSD,
		StopLoss: domain.StopLossState{
			Price:        sizing.StopLossPrice,
			InitialPrice: sizing.StopLossPrice,
			UpdatedAt:    now,
		},
		TakeProfits: cloneLadder(sizing.TakeProfits),
		OpenedAt:    now,
		OrderID:     created.OrderID,
		Status:      domain.PositionStatusOpen,
	}

	return pos, nil
}

// ClosePosition closes the open position on symbol with a reduce-only market
// order. A symbol with no open position is a no-op.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNoPosition) {
			return nil
		}
		return fmt.Errorf("bybit: close position: %w", err)
	}

	if err := c.checkBudget(ctx, "close"); err != nil {
		return err
	}

	reduceOnly := true
	req := orderCreateRequest{
		Category:    c.category,
		Symbol:      symbol,
		Side:        oppositeAPI(pos.Side),
		OrderType:   "Market",
		Qty:         formatQty(pos.Quantity),
		OrderLinkID: domain.OrderLinkPrefixClose + shortID(),
		ReduceOnly:  &reduceOnly,
		PositionIdx: c.positionIdx,
	}

	if _, err := c.mutate(ctx, http.MethodPost, "/v5/order/create", req); err != nil {
		return fmt.Errorf("bybit: close position %s: %w", symbol, err)
	}

	c.logger.Info("position close order placed",
		slog.String("symbol", symbol),
		slog.Float64("qty", pos.Quantity))

	return nil
}

// CancelAllConditionalOrders cancels every active and conditional order the
// bot holds on symbol. Called when a position closes so stale ladder rungs
// cannot fire against a flat book.
func (c *Client) CancelAllConditionalOrders(ctx context.Context, symbol string) error {
	for _, filter := range []string{"Order", "StopOrder"} {
		req := cancelAllRequest{
			Category:    c.category,
			Symbol:      symbol,
			OrderFilter: filter,
		}

		raw, err := c.mutate(ctx, http.MethodPost, "/v5/order/cancel-all", req)
		if err != nil {
			return fmt.Errorf("bybit: cancel all %s orders for %s: %w", filter, symbol, err)
		}

		var res cancelAllResult
		if err := json.Unmarshal(raw, &res); err == nil && len(res.List) > 0 {
			c.logger.Info("orders cancelled",
				slog.String("symbol", symbol),
				slog.String("filter", filter),
				slog.Int("count", len(res.List)))
		}
	}

	return nil
}

// UpdateStopLoss moves the position-level stop-loss to price.
func (c *Client) UpdateStopLoss(ctx context.Context, symbol string, price float64) error {
	req := tradingStopRequest{
		Category:    c.category,
		Symbol:      symbol,
		StopLoss:    formatPrice(price),
		TpslMode:    "Full",
		PositionIdx: c.positionIdx,
	}

	if _, err := c.mutate(ctx, http.MethodPost, "/v5/position/trading-stop", req); err != nil {
		return fmt.Errorf("bybit: update stop-loss %s to %v: %w", symbol, price, err)
	}

	c.logger.Info("stop-loss updated",
		slog.String("symbol", symbol),
		slog.Float64("price", price))

	return nil
}

// SetTrailingStop activates the exchange-side trailing stop with the given
// absolute price distance.
func (c *Client) SetTrailingStop(ctx context.Context, symbol string, distance float64) error {
	req := tradingStopRequest{
		Category:     c.category,
		Symbol:       symbol,
		TrailingStop: formatPrice(distance),
		PositionIdx:  c.positionIdx,
	}

	if _, err := c.mutate(ctx, http.MethodPost, "/v5/position/trading-stop", req); err != nil {
		return fmt.Errorf("bybit: set trailing stop %s distance %v: %w", symbol, distance, err)
	}

	c.logger.Info("trailing stop activated",
		slog.String("symbol", symbol),
		slog.Float64("distance", distance))

	return nil
}

// UpdateTakeProfitPartial arms a partial position-level take-profit at price
// covering sizePercent of the current position size.
func (c *Client) UpdateTakeProfitPartial(ctx context.Context, symbol string, price, sizePercent float64) error {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("bybit: partial take-profit: %w", err)
	}

	qty := pos.Quantity * sizePercent / 100

	req := tradingStopRequest{
		Category:    c.category,
		Symbol:      symbol,
		TakeProfit:  formatPrice(price),
		TpslMode:    "Partial",
		TpSize:      formatQty(qty),
		PositionIdx: c.positionIdx,
	}

	if _, err := c.mutate(ctx, http.MethodPost, "/v5/position/trading-stop", req); err != nil {
		return fmt.Errorf("bybit: partial take-profit %s at %v: %w", symbol, price, err)
	}

	return nil
}

// GetCurrentPrice returns the last traded price for symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	raw, err := c.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, nil, false)
	if err != nil {
		return 0, fmt.Errorf("bybit: get price %s: %w", symbol, err)
	}

	var res tickerResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("bybit: decode tickers: %w", err)
	}
	if len(res.List) == 0 {
		return 0, fmt.Errorf("bybit: no ticker for %s: %w", symbol, domain.ErrNotFound)
	}

	price, err := strconv.ParseFloat(res.List[0].LastPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("bybit: parse last price %q: %w", res.List[0].LastPrice, err)
	}

	return price, nil
}

// GetCandles returns up to limit candles for symbol at the given interval
// ("1", "5", "60", "D", ...), oldest first.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	raw, err := c.doRequest(ctx, http.MethodGet, "/v5/market/kline", params, nil, false)
	if err != nil {
		return nil, fmt.Errorf("bybit: get candles %s: %w", symbol, err)
	}

	var res klineResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bybit: decode kline: %w", err)
	}

	// The exchange returns newest first; callers want oldest first.
	candles := make([]domain.Candle, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		if candle, ok := klineToCandle(res.List[i]); ok {
			candles = append(candles, candle)
		}
	}

	return candles, nil
}

// GetPosition returns the open position on symbol as reported by the
// exchange, or domain.ErrNoPosition when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", symbol)

	raw, err := c.doRequest(ctx, http.MethodGet, "/v5/position/list", params, nil, true)
	if err != nil {
		return nil, fmt.Errorf("bybit: get position %s: %w", symbol, err)
	}

	var res positionListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bybit: decode position list: %w", err)
	}

	for i := range res.List {
		if res.List[i].Size != "" && res.List[i].Size != "0" {
			pos := res.List[i].ToDomainPosition()
			return &pos, nil
		}
	}

	return nil, fmt.Errorf("bybit: %s: %w", symbol, domain.ErrNoPosition)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// placeLadderOrder places one reduce-only limit rung of the take-profit
// ladder.
func (c *Client) placeLadderOrder(ctx context.Context, symbol string, side domain.Side, totalQty float64, tp domain.TakeProfitLevel) error {
	reduceOnly := true
	link := fmt.Sprintf("%s%d-%s", domain.OrderLinkPrefixTP, tp.Level, shortID())

	req := orderCreateRequest{
		Category:    c.category,
		Symbol:      symbol,
		Side:        oppositeAPI(side),
		OrderType:   "Limit",
		Qty:         formatQty(totalQty * tp.SizePercent / 100),
		Price:       formatPrice(tp.Price),
		TimeInForce: "GTC",
		OrderLinkID: link,
		ReduceOnly:  &reduceOnly,
		PositionIdx: c.positionIdx,
	}

	_, err := c.mutate(ctx, http.MethodPost, "/v5/order/create", req)
	return err
}

// readBackEntryPrice fetches the exchange-reported average entry price right
// after an entry fill, falling back to the last traded price.
func (c *Client) readBackEntryPrice(ctx context.Context, symbol string) (float64, error) {
	pos, err := c.GetPosition(ctx, symbol)
	if err == nil && pos.EntryPrice > 0 {
		return pos.EntryPrice, nil
	}

	price, priceErr := c.GetCurrentPrice(ctx, symbol)
	if priceErr != nil {
		if err == nil {
			err = priceErr
		}
		return 0, err
	}
	return price, err
}

// leverageUnchanged is the retCode for "Set leverage not modified": the
// account already runs at the requested leverage.
const leverageUnchanged = 110043

// ensureLeverage sets the symbol's leverage before an entry order. The
// already-set response is an API-level error and must not count as a
// breaker failure, so this bypasses mutate. Any other failure downgrades
// to a warning and the entry proceeds at whatever leverage is in force.
func (c *Client) ensureLeverage(ctx context.Context, symbol string, leverage int) {
	if leverage <= 0 {
		return
	}

	lv := strconv.Itoa(leverage)
	req := setLeverageRequest{
		Category:     c.category,
		Symbol:       symbol,
		BuyLeverage:  lv,
		SellLeverage: lv,
	}

	_, err := c.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", nil, req, true)
	switch {
	case err == nil:
		c.logger.Info("leverage set",
			slog.String("symbol", symbol),
			slog.Int("leverage", leverage))
	case hasRetCode(err, leverageUnchanged):
		c.logger.Debug("leverage already set",
			slog.String("symbol", symbol),
			slog.Int("leverage", leverage))
	default:
		c.logger.Warn("set leverage failed, entering at current leverage",
			slog.String("symbol", symbol),
			slog.Int("leverage", leverage),
			slog.Any("error", err))
	}
}

// checkBudget consults the shared order quota. A budget backend error is
// advisory: the order proceeds and the error is logged.
func (c *Client) checkBudget(ctx context.Context, op string) error {
	if c.budget == nil {
		return nil
	}

	allowed, err := c.budget.Allow(ctx, op)
	if err != nil {
		c.logger.Warn("order budget check failed, proceeding",
			slog.String("op", op),
			slog.Any("error", err))
		return nil
	}
	if !allowed {
		return fmt.Errorf("bybit: order budget exhausted for %s: %w", op, domain.ErrRateLimited)
	}

	return nil
}

// mutate runs an order mutation behind the circuit breaker.
func (c *Client) mutate(ctx context.Context, method, path string, body any) ([]byte, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, method, path, nil, body, true)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%v: %w", err, domain.ErrExchangeOperation)
		}
		return nil, err
	}

	raw, _ := res.([]byte)
	return raw, nil
}

// doRequest rate-limits, signs (when private), sends, and decodes a V5
// request, returning the raw result payload.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var payload string
	var bodyReader io.Reader

	if method == http.MethodGet {
		payload = query.Encode()
	} else if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	fullURL := c.baseURL + path
	if method == http.MethodGet && len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if signed {
		for k, v := range c.auth.RESTHeaders(c.recvWindow, payload) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var env apiResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}

	if env.RetCode != 0 {
		return nil, apiError(env.RetCode, env.RetMsg)
	}

	return env.Result, nil
}

// checkStatus maps non-2xx HTTP status codes to appropriate errors.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var env apiResponse
	_ = json.Unmarshal(body, &env)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("HTTP %d: %s: %w", statusCode, env.RetMsg, domain.ErrAuthentication)
	case http.StatusTooManyRequests:
		return fmt.Errorf("HTTP %d: %s: %w", statusCode, env.RetMsg, domain.ErrRateLimited)
	default:
		return fmt.Errorf("HTTP %d: %s: %w", statusCode, env.RetMsg, domain.ErrExchangeOperation)
	}
}

// retCodeError carries the exchange retCode so callers can branch on
// specific codes while errors.Is still reaches the wrapped sentinel.
type retCodeError struct {
	code int
	err  error
}

func (e *retCodeError) Error() string { return e.err.Error() }
func (e *retCodeError) Unwrap() error { return e.err }

// hasRetCode reports whether err carries the given exchange retCode.
func hasRetCode(err error, code int) bool {
	var rc *retCodeError
	return errors.As(err, &rc) && rc.code == code
}

// apiError maps a non-zero retCode to the closest sentinel. Auth failures
// and throttles get their own so callers can branch; everything else is a
// generic exchange operation failure.
func apiError(code int, msg string) error {
	var err error
	switch code {
	case 10003, 10004, 10005, 33004:
		err = fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrAuthentication)
	case 10006, 10018:
		err = fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrRateLimited)
	default:
		err = fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrExchangeOperation)
	}
	return &retCodeError{code: code, err: err}
}

// cloneLadder deep-copies a take-profit ladder so the returned position owns
// its own slice.
func cloneLadder(ladder []domain.TakeProfitLevel) []domain.TakeProfitLevel {
	if ladder == nil {
		return nil
	}
	out := make([]domain.TakeProfitLevel, len(ladder))
	copy(out, ladder)
	return out
}

// shortID returns a compact random suffix for order link IDs.
func shortID() string {
	return uuid.NewString()[:8]
}
