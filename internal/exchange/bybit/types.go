package bybit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/avhall/leverbot/internal/domain"
)

// --------------------------------------------------------------------------
// Environments
// --------------------------------------------------------------------------

const (
	hostMainnet = "https://api.bybit.com"
	hostTestnet = "https://api-testnet.bybit.com"
	hostDemo    = "https://api-demo.bybit.com"

	wsPrivateMainnet = "wss://stream.bybit.com/v5/private"
	wsPrivateTestnet = "wss://stream-testnet.bybit.com/v5/private"
	wsPrivateDemo    = "wss://stream-demo.bybit.com/v5/private"
)

// RESTHost returns the V5 REST base URL for the given environment
// ("mainnet", "testnet", "demo"). Unknown values fall back to testnet so a
// typo in config never points live credentials at production.
func RESTHost(env string) string {
	switch strings.ToLower(env) {
	case "mainnet":
		return hostMainnet
	case "demo":
		return hostDemo
	default:
		return hostTestnet
	}
}

// WSPrivateURL returns the private stream URL for the given environment.
func WSPrivateURL(env string) string {
	switch strings.ToLower(env) {
	case "mainnet":
		return wsPrivateMainnet
	case "demo":
		return wsPrivateDemo
	default:
		return wsPrivateTestnet
	}
}

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// apiResponse is the outer envelope of every V5 REST response. RetCode zero
// means success; anything else carries the error in RetMsg.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// orderCreateRequest is the body for POST /v5/order/create.
type orderCreateRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`      // "Buy" or "Sell"
	OrderType   string `json:"orderType"` // "Market" or "Limit"
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	ReduceOnly  *bool  `json:"reduceOnly,omitempty"`
	PositionIdx int    `json:"positionIdx"`
}

// orderCreateResult is the result payload from placing an order.
type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// tradingStopRequest is the body for POST /v5/position/trading-stop. Empty
// string fields are omitted; "0" clears the corresponding stop on the
// exchange side.
type tradingStopRequest struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	TakeProfit   string `json:"takeProfit,omitempty"`
	StopLoss     string `json:"stopLoss,omitempty"`
	TrailingStop string `json:"trailingStop,omitempty"`
	TpslMode     string `json:"tpslMode,omitempty"` // "Full" or "Partial"
	TpSize       string `json:"tpSize,omitempty"`
	SlSize       string `json:"slSize,omitempty"`
	PositionIdx  int    `json:"positionIdx"`
}

// setLeverageRequest is the body for POST /v5/position/set-leverage. The API
// takes both sides even in one-way mode; they must match there.
type setLeverageRequest struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	BuyLeverage  string `json:"buyLeverage"`
	SellLeverage string `json:"sellLeverage"`
}

// cancelAllRequest is the body for POST /v5/order/cancel-all.
type cancelAllRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderFilter string `json:"orderFilter,omitempty"` // "Order", "StopOrder", "tpslOrder"
}

// cancelAllResult is the result payload from a cancel-all call.
type cancelAllResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	} `json:"list"`
}

// tickerResult is the result payload of GET /v5/market/tickers.
type tickerResult struct {
	Category string      `json:"category"`
	List     []APITicker `json:"list"`
}

// APITicker is a single ticker entry as returned by the market endpoint.
type APITicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

// klineResult is the result payload of GET /v5/market/kline. Each list entry
// is [startTime, open, high, low, close, volume, turnover], newest first.
type klineResult struct {
	Category string     `json:"category"`
	Symbol   string     `json:"symbol"`
	List     [][]string `json:"list"`
}

// positionListResult is the result payload of GET /v5/position/list.
type positionListResult struct {
	Category string        `json:"category"`
	List     []APIPosition `json:"list"`
}

// APIPosition is a position entry as returned by the REST position endpoint.
// Bybit reports all numbers as strings; a flat position has Size "0".
type APIPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // "Buy", "Sell", or "" when flat
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	PositionValue string `json:"positionValue"`
	Leverage      string `json:"leverage"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	StopLoss      string `json:"stopLoss"`
	TakeProfit    string `json:"takeProfit"`
	TrailingStop  string `json:"trailingStop"`
	PositionIM    string `json:"positionIM"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsEnvelope is the outer shape of every private stream frame. Op replies
// (auth, subscribe, pong) carry Op and Success; topic pushes carry Topic and
// Data.
type wsEnvelope struct {
	Topic        string          `json:"topic,omitempty"`
	Op           string          `json:"op,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	RetMsg       string          `json:"ret_msg,omitempty"`
	ConnID       string          `json:"conn_id,omitempty"`
	CreationTime int64           `json:"creationTime,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// wsCommand is the JSON payload sent to the private stream for auth,
// subscribe, and ping ops.
type wsCommand struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

// WSPositionData is a single entry of a position topic push.
type WSPositionData struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIM    string `json:"positionIM"`
	StopLoss      string `json:"stopLoss"`
	TakeProfit    string `json:"takeProfit"`
	TrailingStop  string `json:"trailingStop"`
	UpdatedTime   string `json:"updatedTime"`
	PositionIdx   int    `json:"positionIdx"`
}

// WSExecutionData is a single entry of an execution topic push.
type WSExecutionData struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	ExecID        string `json:"execId"`
	ExecPrice     string `json:"execPrice"`
	ExecQty       string `json:"execQty"`
	ExecType      string `json:"execType"` // "Trade", "Funding", "AdlTrade", ...
	ExecTime      string `json:"execTime"` // Unix milliseconds as string
	StopOrderType string `json:"stopOrderType"`
	ClosedSize    string `json:"closedSize"`
}

// WSOrderData is a single entry of an order topic push.
type WSOrderData struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	OrderStatus   string `json:"orderStatus"` // "New", "Filled", "Cancelled", ...
	StopOrderType string `json:"stopOrderType"`
	AvgPrice      string `json:"avgPrice"`
	Qty           string `json:"qty"`
	CumExecQty    string `json:"cumExecQty"`
	Price         string `json:"price"`
	TriggerPrice  string `json:"triggerPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdatedTime   string `json:"updatedTime"` // Unix milliseconds as string
}

// --------------------------------------------------------------------------
// Conversion helpers: API types -> domain types
// --------------------------------------------------------------------------

// ToDomainWSPosition converts a position topic entry to the normalized
// domain form. A flat position converts with Size zero.
func (p *WSPositionData) ToDomainWSPosition() domain.WSPosition {
	wp := domain.WSPosition{
		Symbol: p.Symbol,
		Side:   sideFromAPI(p.Side),
	}

	wp.Size, _ = strconv.ParseFloat(p.Size, 64)
	wp.EntryPrice, _ = strconv.ParseFloat(p.EntryPrice, 64)
	wp.MarkPrice, _ = strconv.ParseFloat(p.MarkPrice, 64)
	wp.UnrealizedPnL, _ = strconv.ParseFloat(p.UnrealisedPnl, 64)
	wp.PositionIM, _ = strconv.ParseFloat(p.PositionIM, 64)

	if lev, err := strconv.ParseFloat(p.Leverage, 64); err == nil {
		wp.Leverage = int(lev)
	}

	return wp
}

// ToDomainExecution converts an execution topic entry to the normalized
// domain form.
func (e *WSExecutionData) ToDomainExecution() domain.ExecutionUpdate {
	eu := domain.ExecutionUpdate{
		OrderID:       e.OrderID,
		OrderLinkID:   e.OrderLinkID,
		Symbol:        e.Symbol,
		Side:          sideFromAPI(e.Side),
		StopOrderType: e.StopOrderType,
	}

	eu.ExecQty, _ = strconv.ParseFloat(e.ExecQty, 64)
	eu.ExecPrice, _ = strconv.ParseFloat(e.ExecPrice, 64)
	eu.ExecTime = timeFromMillis(e.ExecTime)

	return eu
}

// ToDomainOrder converts an order topic entry to the normalized domain form.
func (o *WSOrderData) ToDomainOrder() domain.OrderUpdate {
	ou := domain.OrderUpdate{
		OrderID:       o.OrderID,
		OrderLinkID:   o.OrderLinkID,
		Symbol:        o.Symbol,
		Side:          sideFromAPI(o.Side),
		OrderStatus:   o.OrderStatus,
		StopOrderType: o.StopOrderType,
	}

	ou.AvgPrice, _ = strconv.ParseFloat(o.AvgPrice, 64)
	ou.Qty, _ = strconv.ParseFloat(o.Qty, 64)
	ou.CumExecQty, _ = strconv.ParseFloat(o.CumExecQty, 64)
	ou.UpdatedTime = timeFromMillis(o.UpdatedTime)

	return ou
}

// ToDomainPosition converts a REST position entry to a domain.Position with
// the exchange-reported fields filled in. Stop-loss and take-profit state is
// left for the caller, which owns the ladder.
func (p *APIPosition) ToDomainPosition() domain.Position {
	pos := domain.Position{
		Symbol: p.Symbol,
		Side:   sideFromAPI(p.Side),
		Status: domain.PositionStatusOpen,
	}

	pos.Quantity, _ = strconv.ParseFloat(p.Size, 64)
	pos.EntryPrice, _ = strconv.ParseFloat(p.AvgPrice, 64)
	pos.UnrealizedPnL, _ = strconv.ParseFloat(p.UnrealisedPnl, 64)
	pos.MarginUsed, _ = strconv.ParseFloat(p.PositionIM, 64)

	if lev, err := strconv.ParseFloat(p.Leverage, 64); err == nil {
		pos.Leverage = int(lev)
	}
	if ms, err := strconv.ParseInt(p.UpdatedTime, 10, 64); err == nil && ms > 0 {
		pos.OpenedAt = time.UnixMilli(ms)
	}

	return pos
}

// klineToCandle converts one kline row. Rows shorter than the six price and
// volume fields are rejected.
func klineToCandle(row []string) (domain.Candle, bool) {
	if len(row) < 6 {
		return domain.Candle{}, false
	}

	var c domain.Candle
	if ms, err := strconv.ParseInt(row[0], 10, 64); err == nil {
		c.Start = time.UnixMilli(ms)
	}
	c.Open, _ = strconv.ParseFloat(row[1], 64)
	c.High, _ = strconv.ParseFloat(row[2], 64)
	c.Low, _ = strconv.ParseFloat(row[3], 64)
	c.Close, _ = strconv.ParseFloat(row[4], 64)
	c.Volume, _ = strconv.ParseFloat(row[5], 64)

	return c, true
}

// sideFromAPI maps Bybit's "Buy"/"Sell" to the domain side.
func sideFromAPI(s string) domain.Side {
	switch s {
	case "Buy":
		return domain.SideLong
	case "Sell":
		return domain.SideShort
	default:
		return ""
	}
}

// sideToAPI maps the domain side to Bybit's "Buy"/"Sell".
func sideToAPI(s domain.Side) string {
	if s == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

// oppositeAPI returns the API side that closes a position held on s.
func oppositeAPI(s domain.Side) string {
	if s == domain.SideShort {
		return "Buy"
	}
	return "Sell"
}

// timeFromMillis parses a Unix millisecond string. A blank or malformed
// value yields the zero time rather than an error; push frames occasionally
// omit timestamps.
func timeFromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// formatQty renders a quantity for the wire without scientific notation or
// trailing zeros.
func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// formatPrice renders a price for the wire, trimmed the same way.
func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
