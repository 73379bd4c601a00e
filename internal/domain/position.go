package domain

import "time"

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// TPAction is the configured reaction when a take-profit level fills.
type TPAction string

const (
	TPActionMoveSLToBreakeven TPAction = "move_sl_to_breakeven"
	TPActionActivateTrailing  TPAction = "activate_trailing"
	TPActionClose             TPAction = "close"
	TPActionCustom            TPAction = "custom"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseReasonTakeProfit   CloseReason = "take_profit"
	CloseReasonStopLoss     CloseReason = "stop_loss"
	CloseReasonTrailingStop CloseReason = "trailing_stop"
	CloseReasonSignal       CloseReason = "signal"
	CloseReasonTimeout      CloseReason = "timeout"
	CloseReasonManual       CloseReason = "manual"
	CloseReasonExchange     CloseReason = "exchange"
)

// StopLossState is the mutable stop-loss attached to a position. Once
// IsTrailing is set the price only ever moves in the position's favor.
type StopLossState struct {
	Price        float64
	InitialPrice float64
	IsBreakeven  bool
	IsTrailing   bool
	UpdatedAt    time.Time
}

// TakeProfitLevel is one rung of the staged take-profit ladder. Hit
// transitions false to true exactly once per level.
type TakeProfitLevel struct {
	Level       int     // 1..N ascending
	Percent     float64 // distance from entry, percent
	SizePercent float64 // share of position size to close, sums to <=100
	Price       float64
	Hit         bool
	OnHit       TPAction
}

// Position is the single live leveraged position for a symbol. It is owned
// exclusively by the lifecycle manager; everything else reads copies.
type Position struct {
	ID            string
	Symbol        string
	Side          Side
	Quantity      float64
	EntryPrice    float64
	Leverage      int
	MarginUsed    float64
	StopLoss      StopLossState
	TakeProfits   []TakeProfitLevel
	OpenedAt      time.Time
	UnrealizedPnL float64
	OrderID       string
	Status        PositionStatus
	JournalID     *string // absent when the journal degraded at open time
}

// Clone returns a deep, independent copy of the position. Mutating the
// returned value never affects the original.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	if p.JournalID != nil {
		id := *p.JournalID
		cp.JournalID = &id
	}
	if p.TakeProfits != nil {
		cp.TakeProfits = make([]TakeProfitLevel, len(p.TakeProfits))
		copy(cp.TakeProfits, p.TakeProfits)
	}
	return &cp
}

// WSPosition is the normalized position topic payload reported by the
// exchange. Size zero signals closure.
type WSPosition struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	Leverage      int
	UnrealizedPnL float64
	PositionIM    float64 // initial margin
	MarkPrice     float64
}

// PositionSizing carries the order parameters for opening a position.
type PositionSizing struct {
	Quantity      float64
	Leverage      int
	MarginUSD     float64
	StopLossPrice float64
	TakeProfits   []TakeProfitLevel
}
