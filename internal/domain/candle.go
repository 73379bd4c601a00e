package domain

import "time"

// Candle is one OHLCV bar, the only input analyzers see.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
