package domain

import "time"

// ExecutionKind classifies an execution or order-update frame.
type ExecutionKind string

const (
	ExecutionEntry        ExecutionKind = "entry"
	ExecutionTakeProfit   ExecutionKind = "take_profit"
	ExecutionStopLoss     ExecutionKind = "stop_loss"
	ExecutionTrailingStop ExecutionKind = "trailing_stop"
	ExecutionUnknown      ExecutionKind = "unknown"
)

// ExecutionClass is the detector's verdict for one fill. Level is set only
// for take-profit fills (1..N), zero otherwise.
type ExecutionClass struct {
	Kind  ExecutionKind
	Level int
}

// Order link ID prefixes stamped on bot-placed orders. Execution frames echo
// them back, which lets fills be classified even when the exchange omits its
// stopOrderType hint.
const (
	OrderLinkPrefixEntry = "lev-entry-"
	OrderLinkPrefixTP    = "lev-tp"
	OrderLinkPrefixSL    = "lev-sl-"
	OrderLinkPrefixClose = "lev-close-"
)

// OrderFill is a normalized execution-topic fill.
type OrderFill struct {
	OrderID   string
	Symbol    string
	Side      Side
	ExecQty   float64
	ExecPrice float64
}

// ConditionalFill is a normalized take-profit or stop-loss fill.
type ConditionalFill struct {
	OrderID    string
	Symbol     string
	Side       Side
	AvgPrice   float64
	Qty        float64
	CumExecQty float64
}

// ExecutionUpdate is a normalized execution-topic frame. StopOrderType keeps
// the exchange's raw conditional-order hint ("TakeProfit", "StopLoss",
// "TrailingStop", "PartialTakeProfit", "PartialStopLoss", or empty).
type ExecutionUpdate struct {
	OrderID       string
	OrderLinkID   string
	Symbol        string
	Side          Side
	OrderStatus   string
	StopOrderType string
	ExecQty       float64
	ExecPrice     float64
	ExecTime      time.Time
}

// OrderUpdate is a normalized order-topic frame, the secondary confirmation
// path for conditional-order fills.
type OrderUpdate struct {
	OrderID       string
	OrderLinkID   string
	Symbol        string
	Side          Side
	OrderStatus   string
	StopOrderType string
	AvgPrice      float64
	Qty           float64
	CumExecQty    float64
	UpdatedTime   time.Time
}

// TPHitEvent asks the exit handler to react to a filled take-profit level.
// ATRPercent, when present, replaces the configured base trailing percent.
type TPHitEvent struct {
	Symbol       string
	Position     *Position
	CurrentPrice float64
	TPLevel      int
	ATRPercent   *float64
}

// PositionClosedEvent asks the exit handler to finish bookkeeping for a
// position that is already closed at the exchange.
type PositionClosedEvent struct {
	Symbol   string
	Position *Position
	Reason   CloseReason
	PnL      float64
}

// StreamEvent is the envelope appended to the domain event stream.
type StreamEvent struct {
	ID      string
	Kind    string
	Symbol  string
	Payload map[string]string
	At      time.Time
}
