package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
)

func testAggConfig() config.AggregationConfig {
	return config.AggregationConfig{
		ConflictThreshold: 0.4,
		MinConfidence:     55,
		MinTotalScore:     0.5,
		MinSignalsLong:    3,
		MinSignalsShort:   3,
		BlindZonePenalty:  0.7,
		Weights: map[string]float64{
			"a": 1.0, "b": 1.0, "c": 1.0, "d": 1.0, "e": 1.0, "f": 1.0,
		},
	}
}

func sig(source string, dir domain.Direction, confidence float64) domain.AnalyzerSignal {
	return domain.AnalyzerSignal{Source: source, Direction: dir, Confidence: confidence}
}

func TestAggregate_EmptyInput(t *testing.T) {
	res := Aggregate(nil, testAggConfig())

	assert.Nil(t, res.Direction)
	assert.Zero(t, res.SignalCount)
	assert.Equal(t, "no signals", res.Conflict.Reasoning)
}

func TestAggregate_StrongConsensus(t *testing.T) {
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionLong, 80),
		sig("b", domain.DirectionLong, 75),
		sig("c", domain.DirectionLong, 90),
		sig("d", domain.DirectionLong, 70),
		sig("e", domain.DirectionLong, 85),
		sig("f", domain.DirectionShort, 60),
	}

	res := Aggregate(signals, testAggConfig())

	require.NotNil(t, res.Direction)
	assert.Equal(t, domain.DirectionLong, *res.Direction)
	assert.Equal(t, 6, res.SignalCount)

	// Mean of five long confidences, no blind-zone penalty at five signals.
	assert.InDelta(t, 80, res.Confidence, 1e-9)
	assert.InDelta(t, 1.0, res.AppliedPenalty, 1e-9)

	// Normalized score: (0.80+0.75+0.90+0.70+0.85)/5.
	assert.InDelta(t, 0.8, res.TotalScore, 1e-9)

	// One short out of six contested signals.
	assert.InDelta(t, 1.0/6.0, res.Conflict.ConflictLevel, 1e-9)
	assert.False(t, res.Conflict.ShouldWait)

	assert.Len(t, res.AnalyzerBreakdown, 5)
	assert.InDelta(t, 0.8, res.AnalyzerBreakdown["a"], 1e-9)
}

func TestAggregate_TieResolvesToWait(t *testing.T) {
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionLong, 70),
		sig("b", domain.DirectionShort, 70),
	}

	res := Aggregate(signals, testAggConfig())

	assert.Nil(t, res.Direction)
	assert.Contains(t, res.Conflict.Reasoning, "no consensus")
	// A perfect split is maximally contested.
	assert.InDelta(t, 0.5, res.Conflict.ConflictLevel, 1e-9)
	assert.True(t, res.Conflict.ShouldWait)
}

func TestAggregate_BlindZonePenalty(t *testing.T) {
	// Two longs is below the three-signal minimum.
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionLong, 90),
		sig("b", domain.DirectionLong, 90),
	}

	res := Aggregate(signals, testAggConfig())

	// 90 * 0.7 = 63, still above the 55 floor, so the decision survives.
	require.NotNil(t, res.Direction)
	assert.InDelta(t, 63, res.Confidence, 1e-9)
	assert.InDelta(t, 0.7, res.AppliedPenalty, 1e-9)
}

func TestAggregate_ConfidenceGate(t *testing.T) {
	// 60 * 0.7 = 42 falls under the 55 minimum once penalized.
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionLong, 60),
		sig("b", domain.DirectionLong, 60),
	}

	res := Aggregate(signals, testAggConfig())

	assert.Nil(t, res.Direction)
	assert.Contains(t, res.Conflict.Reasoning, "below minimum")
}

func TestAggregate_ScoreGate(t *testing.T) {
	// Confidence passes but the normalized score of 0.45 misses the 0.5 bar.
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionLong, 45),
		sig("b", domain.DirectionLong, 45),
		sig("c", domain.DirectionLong, 45),
	}

	cfg := testAggConfig()
	cfg.MinConfidence = 40

	res := Aggregate(signals, cfg)

	assert.Nil(t, res.Direction)
	assert.Contains(t, res.Conflict.Reasoning, "score")
}

func TestAggregate_UnweightedSourcesScoreNothing(t *testing.T) {
	cfg := testAggConfig()
	cfg.Weights = map[string]float64{"a": 1.0}

	// "x" and "y" are not configured; they tally but cannot move the score.
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionLong, 80),
		sig("x", domain.DirectionLong, 90),
		sig("y", domain.DirectionLong, 90),
	}

	res := Aggregate(signals, cfg)

	require.NotNil(t, res.Direction)
	assert.InDelta(t, 0.8, res.TotalScore, 1e-9)
	assert.Len(t, res.AnalyzerBreakdown, 1)
	// Direction tallies still count all three, so no blind-zone penalty.
	assert.InDelta(t, 1.0, res.AppliedPenalty, 1e-9)
}

func TestAggregate_HoldNeverWins(t *testing.T) {
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionHold, 95),
		sig("b", domain.DirectionHold, 95),
		sig("c", domain.DirectionHold, 95),
	}

	res := Aggregate(signals, testAggConfig())

	assert.Nil(t, res.Direction)
	assert.Equal(t, 3, res.SignalCount)
}

func TestAggregate_Deterministic(t *testing.T) {
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionLong, 80),
		sig("b", domain.DirectionShort, 60),
		sig("c", domain.DirectionLong, 75),
		sig("d", domain.DirectionLong, 70),
	}
	cfg := testAggConfig()

	first := Aggregate(signals, cfg)
	for range 10 {
		res := Aggregate(signals, cfg)
		assert.Equal(t, first.TotalScore, res.TotalScore)
		assert.Equal(t, first.Confidence, res.Confidence)
		assert.Equal(t, first.Conflict, res.Conflict)
		require.NotNil(t, res.Direction)
		assert.Equal(t, *first.Direction, *res.Direction)
	}
}

func TestAggregate_InputsNotMutated(t *testing.T) {
	signals := []domain.AnalyzerSignal{
		sig("a", domain.DirectionLong, 80),
		sig("b", domain.DirectionShort, 60),
	}
	before := make([]domain.AnalyzerSignal, len(signals))
	copy(before, signals)

	cfg := testAggConfig()
	Aggregate(signals, cfg)

	assert.Equal(t, before, signals)
	assert.Len(t, cfg.Weights, 6)
}
