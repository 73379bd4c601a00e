package analyzer

import (
	"fmt"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
)

// EMACross signals on the separation between a fast and a slow exponential
// moving average of closes: fast above slow reads long, below reads short,
// and a separation under the dead band reads hold.
type EMACross struct {
	fastPeriod int
	slowPeriod int
	weight     float64
}

// deadBandPercent is the fast/slow separation below which the cross carries
// no direction.
const deadBandPercent = 0.02

// NewEMACross creates the EMA crossover analyzer from config, falling back
// to 12/26 periods.
func NewEMACross(cfg config.EMAConfig) *EMACross {
	fast, slow := cfg.FastPeriod, cfg.SlowPeriod
	if fast <= 0 {
		fast = 12
	}
	if slow <= fast {
		slow = 26
	}

	return &EMACross{
		fastPeriod: fast,
		slowPeriod: slow,
		weight:     cfg.Weight,
	}
}

func (e *EMACross) Name() string { return "ema_cross" }

// Ready additionally rejects windows ending on a zero close, which the feed
// produces while an instrument is still warming up.
func (e *EMACross) Ready(candles []domain.Candle) bool {
	return len(candles) >= e.MinCandles() && candles[len(candles)-1].Close > 0
}

func (e *EMACross) MinCandles() int { return e.slowPeriod + 1 }

func (e *EMACross) Weight() float64 { return e.weight }

func (e *EMACross) Priority() int { return 7 }

// Analyze computes both EMAs over the candle closes and scores the
// separation. Confidence grows with separation and saturates at 95.
func (e *EMACross) Analyze(candles []domain.Candle) (domain.AnalyzerSignal, error) {
	if len(candles) < e.MinCandles() {
		return domain.AnalyzerSignal{}, fmt.Errorf("ema_cross: need %d candles, have %d: %w",
			e.MinCandles(), len(candles), domain.ErrValidation)
	}

	closes := make([]float64, len(candles))
	for i := range candles {
		closes[i] = candles[i].Close
	}

	fast := ema(closes, e.fastPeriod)
	slow := ema(closes, e.slowPeriod)
	if slow == 0 {
		return domain.AnalyzerSignal{}, fmt.Errorf("ema_cross: zero slow average: %w", domain.ErrValidation)
	}

	separation := (fast - slow) / slow * 100

	sig := domain.AnalyzerSignal{
		Source:   e.Name(),
		Weight:   e.weight,
		Priority: e.Priority(),
	}

	abs := separation
	if abs < 0 {
		abs = -abs
	}

	switch {
	case abs < deadBandPercent:
		sig.Direction = domain.DirectionHold
		sig.Confidence = 30
	case separation > 0:
		sig.Direction = domain.DirectionLong
		sig.Confidence = crossConfidence(abs)
	default:
		sig.Direction = domain.DirectionShort
		sig.Confidence = crossConfidence(abs)
	}

	return sig, nil
}

// crossConfidence maps absolute percent separation onto [55, 95].
func crossConfidence(absSeparation float64) float64 {
	conf := 55 + absSeparation*20
	if conf > 95 {
		conf = 95
	}
	return conf
}

// ema computes an exponential moving average seeded with the simple average
// of the first period values.
func ema(values []float64, period int) float64 {
	if len(values) < period {
		return 0
	}

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	k := 2.0 / float64(period+1)
	current := seed
	for _, v := range values[period:] {
		current = v*k + current*(1-k)
	}
	return current
}
