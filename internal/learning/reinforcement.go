package learning

import (
	"math"
	"time"

	"github.com/recordguard/recordguard/internal/domain"
)

// decayHalfLifeHours is the recency half-life used in the reinforcement
// formula: a pattern unused for this many hours has its recency factor
// halved.
const decayHalfLifeHours = 168.0 // 7 days

// confidenceSaturationUses is the use-count past which confidence_factor
// saturates at 1.
const confidenceSaturationUses = 10.0

// computeReinforcement derives the cached reinforcement score for a record
// from its stats, as of now. It is the only place this formula is
// evaluated: callers must recompute and store the result on every stats
// update rather than deriving it lazily at query time.
func computeReinforcement(stats domain.Stats, now time.Time) float64 {
	successRate := stats.SuccessRate()
	avgQuality := stats.AvgQuality()

	ageHours := now.Sub(stats.LastUsedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := math.Pow(2, -ageHours/decayHalfLifeHours)

	confidenceFactor := math.Min(1, float64(stats.Uses)/confidenceSaturationUses)

	score := 0.4*successRate + 0.3*avgQuality + 0.2*recency + 0.1*confidenceFactor
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
