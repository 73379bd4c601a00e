// Package aggregator turns many independent analyzer opinions into a single
// directional decision with explicit conflict and penalty rules.
package aggregator

import (
	"fmt"

	"github.com/avhall/leverbot/internal/config"
	"github.com/avhall/leverbot/internal/domain"
)

// Aggregate computes one directional decision from a round of analyzer
// signals. It is pure and deterministic: identical inputs produce identical
// output, and neither signals nor cfg are mutated.
//
// Sources absent from cfg.Weights still count toward the direction tallies
// and the conflict ratio but contribute nothing to the weighted score.
// Hold opinions are tallied for the signal count only; hold never wins.
func Aggregate(signals []domain.AnalyzerSignal, cfg config.AggregationConfig) domain.AggregationResult {
	res := domain.AggregationResult{
		AnalyzerBreakdown: make(map[string]float64),
		AppliedPenalty:    1,
	}
	if len(signals) == 0 {
		res.Conflict.Reasoning = "no signals"
		return res
	}

	var long, short partition
	for _, sig := range signals {
		weight, weighted := cfg.Weights[sig.Source]
		switch sig.Direction {
		case domain.DirectionLong:
			long.add(sig, weight, weighted)
		case domain.DirectionShort:
			short.add(sig, weight, weighted)
		}
		res.SignalCount++
	}

	longScore := long.score()
	shortScore := short.score()

	// Argmax with ties resolving to wait.
	var selected, opposing *partition
	var dir domain.Direction
	switch {
	case longScore > shortScore:
		selected, opposing, dir = &long, &short, domain.DirectionLong
	case shortScore > longScore:
		selected, opposing, dir = &short, &long, domain.DirectionShort
	default:
		res.Conflict = conflictBetween(&long, &short, cfg.ConflictThreshold)
		res.Conflict.Reasoning = fmt.Sprintf("no consensus: long score %.4f equals short score %.4f", longScore, shortScore)
		return res
	}

	res.TotalScore = selected.score()
	res.Confidence = selected.meanConfidence()
	res.Conflict = conflictBetween(selected, opposing, cfg.ConflictThreshold)
	for src, contrib := range selected.contributions {
		res.AnalyzerBreakdown[src] = contrib
	}

	// Blind-zone penalty: thin consensus gets its confidence discounted.
	minSignals := cfg.MinSignalsLong
	if dir == domain.DirectionShort {
		minSignals = cfg.MinSignalsShort
	}
	if selected.count < minSignals {
		res.Confidence *= cfg.BlindZonePenalty
		res.AppliedPenalty = cfg.BlindZonePenalty
	}

	// Final acceptance gates.
	switch {
	case res.Confidence < cfg.MinConfidence:
		res.Conflict.Reasoning = fmt.Sprintf("confidence %.1f below minimum %.1f", res.Confidence, cfg.MinConfidence)
		return res
	case res.TotalScore < cfg.MinTotalScore:
		res.Conflict.Reasoning = fmt.Sprintf("score %.4f below minimum %.4f", res.TotalScore, cfg.MinTotalScore)
		return res
	}

	res.Direction = &dir
	res.Conflict.Reasoning = fmt.Sprintf("%d %s vs %d opposing, score %.4f, confidence %.1f",
		selected.count, dir, opposing.count, res.TotalScore, res.Confidence)
	return res
}

// partition accumulates one direction's signals.
type partition struct {
	count         int // all signals, weighted or not
	weightSum     float64
	weightedScore float64 // sum of confidence/100 * weight
	confidenceSum float64
	contributions map[string]float64
}

func (p *partition) add(sig domain.AnalyzerSignal, weight float64, weighted bool) {
	p.count++
	p.confidenceSum += sig.Confidence
	if !weighted {
		return
	}
	contrib := sig.Confidence / 100 * weight
	p.weightSum += weight
	p.weightedScore += contrib
	if p.contributions == nil {
		p.contributions = make(map[string]float64)
	}
	p.contributions[sig.Source] += contrib
}

// score is the weighted score normalized to [0,1]. Empty or zero-weight
// partitions score zero.
func (p *partition) score() float64 {
	if p.weightSum == 0 {
		return 0
	}
	s := p.weightedScore / p.weightSum
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func (p *partition) meanConfidence() float64 {
	if p.count == 0 {
		return 0
	}
	return p.confidenceSum / float64(p.count)
}

// conflictBetween computes the contested-signal ratio between the selected
// and opposing partitions. Hold signals sit in neither partition and do not
// contest the decision.
func conflictBetween(selected, opposing *partition, threshold float64) domain.ConflictAnalysis {
	total := selected.count + opposing.count
	if total == 0 {
		return domain.ConflictAnalysis{ConsensusStrength: 1}
	}
	level := float64(opposing.count) / float64(total)
	return domain.ConflictAnalysis{
		ConflictLevel:     level,
		ConsensusStrength: 1 - level,
		ShouldWait:        level > threshold,
	}
}
