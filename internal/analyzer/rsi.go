package analyzer

import (
	"fmt"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
)

// RSI signals mean reversion off the relative strength index: oversold reads
// long, overbought reads short, the band between reads hold.
type RSI struct {
	period     int
	overbought float64
	oversold   float64
	weight     float64
}

// NewRSI creates the RSI analyzer from config, falling back to the classic
// 14-period 70/30 thresholds.
func NewRSI(cfg config.RSIConfig) *RSI {
	period := cfg.Period
	if period <= 0 {
		period = 14
	}
	overbought, oversold := cfg.Overbought, cfg.Oversold
	if overbought <= 0 || overbought > 100 {
		overbought = 70
	}
	if oversold <= 0 || oversold >= overbought {
		oversold = 30
	}

	return &RSI{
		period:     period,
		overbought: overbought,
		oversold:   oversold,
		weight:     cfg.Weight,
	}
}

func (r *RSI) Name() string { return "rsi" }

func (r *RSI) Ready(candles []domain.Candle) bool { return len(candles) >= r.MinCandles() }

func (r *RSI) MinCandles() int { return r.period + 1 }

func (r *RSI) Weight() float64 { return r.weight }

func (r *RSI) Priority() int { return 6 }

// Analyze computes Wilder-smoothed RSI over the candle closes and maps the
// threshold breach depth onto confidence.
func (r *RSI) Analyze(candles []domain.Candle) (domain.AnalyzerSignal, error) {
	if len(candles) < r.MinCandles() {
		return domain.AnalyzerSignal{}, fmt.Errorf("rsi: need %d candles, have %d: %w",
			r.MinCandles(), len(candles), domain.ErrValidation)
	}

	value := wilderRSI(candles, r.period)

	sig := domain.AnalyzerSignal{
		Source:   r.Name(),
		Weight:   r.weight,
		Priority: r.Priority(),
	}

	switch {
	case value <= r.oversold:
		sig.Direction = domain.DirectionLong
		sig.Confidence = breachConfidence(r.oversold-value, r.oversold)
	case value >= r.overbought:
		sig.Direction = domain.DirectionShort
		sig.Confidence = breachConfidence(value-r.overbought, 100-r.overbought)
	default:
		sig.Direction = domain.DirectionHold
		sig.Confidence = 25
	}

	return sig, nil
}

// breachConfidence maps how deep the RSI sits past its threshold onto
// [55, 95], where span is the room between the threshold and the scale edge.
func breachConfidence(depth, span float64) float64 {
	if span <= 0 {
		return 55
	}
	conf := 55 + depth/span*40
	if conf > 95 {
		conf = 95
	}
	return conf
}

// wilderRSI computes the RSI of the closes using Wilder smoothing: the first
// period deltas seed the averages, the rest are smoothed in.
func wilderRSI(candles []domain.Candle, period int) float64 {
	var avgGain, avgLoss float64

	for i := 1; i <= period; i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
