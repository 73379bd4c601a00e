package domain

// Direction is an analyzer's directional opinion.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionHold  Direction = "hold"
)

// AnalyzerSignal is a single analyzer's opinion for one aggregation round.
// Immutable once produced.
type AnalyzerSignal struct {
	Source     string
	Direction  Direction
	Confidence float64 // 0..100
	Weight     float64 // 0..1
	Priority   int     // 1..10
}

// ConflictAnalysis describes how contested an aggregation round was.
type ConflictAnalysis struct {
	ConflictLevel     float64 // opposing / (selected + opposing)
	ConsensusStrength float64
	ShouldWait        bool
	Reasoning         string
}

// AggregationResult is the outcome of one aggregation round. Direction nil
// means wait. Never mutated after return.
type AggregationResult struct {
	Direction         *Direction
	TotalScore        float64 // 0..1
	Confidence        float64 // 0..100
	SignalCount       int
	AnalyzerBreakdown map[string]float64 // source -> weighted contribution
	Conflict          ConflictAnalysis
	AppliedPenalty    float64 // 1 when no blind-zone penalty applied
}

// TradeDecision is an actionable aggregation outcome handed to the
// lifecycle manager to open a position.
type TradeDecision struct {
	Symbol     string
	Direction  Direction
	Confidence float64
	TotalScore float64
	Reasoning  string
}

// BotStatus is a summary of the bot's current operational state.
type BotStatus struct {
	Mode          string
	WSState       string
	UptimeSeconds int64
	HasPosition   bool
	Symbol        string
}
