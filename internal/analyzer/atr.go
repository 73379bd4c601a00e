package analyzer

import "github.com/avhall/leverbot/internal/domain"

// ATRPercent computes the Wilder average true range over the candles and
// returns it as a percent of the last close. The second return is false when
// there are fewer than period+1 candles or the last close is zero.
func ATRPercent(candles []domain.Candle, period int) (float64, bool) {
	if period <= 0 {
		period = 14
	}
	if len(candles) < period+1 {
		return 0, false
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1].Close))
	}

	// Seed with the simple average of the first period ranges, then apply
	// Wilder smoothing over the rest.
	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}

	lastClose := candles[len(candles)-1].Close
	if lastClose == 0 {
		return 0, false
	}

	return atr / lastClose * 100, true
}

// trueRange is the largest of the bar's own range and the gaps from the
// previous close to either extreme.
func trueRange(c domain.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if d := abs(c.High - prevClose); d > tr {
		tr = d
	}
	if d := abs(c.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
