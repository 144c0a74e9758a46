package recall

import (
	"math"
	"sort"
	"time"

	"omniagent/pkg/models"
)

// recencyHalfLife is the age at which the recency signal halves.
const recencyHalfLife = 7 * 24 * time.Hour

// recencyWeightScale keeps the recency weight below the threshold where a
// recency-only winner could outrank a candidate with relevance >= 0.9.
const recencyWeightScale = 0.45

// recencyWeight derives the fusion weight from lambda. High lambda means
// favor relevance, so the recency share shrinks.
func recencyWeight(lambda float64) float64 {
	return (1 - clampFloat(lambda, 0, 1)) * recencyWeightScale
}

// recencyScore is a monotone decay of episode age.
func recencyScore(ageMS int64) float64 {
	if ageMS <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(ageMS)/float64(recencyHalfLife.Milliseconds()))
}

// Fuse reranks k1 candidates by fused relevance+recency, filters by the
// plan's min score, and truncates to k2. When the filter removes
// everything but at least one candidate has positive relevance, the top
// positive candidate survives as a fallback.
func Fuse(candidates []models.ScoredEpisode, plan Plan, now time.Time) []models.ScoredEpisode {
	if len(candidates) == 0 {
		return nil
	}

	weight := recencyWeight(plan.Lambda)
	fused := make([]models.ScoredEpisode, 0, len(candidates))
	for _, cand := range candidates {
		age := now.UnixMilli() - cand.Episode.CreatedAtMS
		score := cand.Score*(1-weight) + recencyScore(age)*weight
		fused = append(fused, models.ScoredEpisode{Episode: cand.Episode, Score: score})
	}

	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })

	kept := fused[:0:0]
	for _, cand := range fused {
		if cand.Score >= plan.MinScore {
			kept = append(kept, cand)
		}
	}

	if len(kept) == 0 {
		// Fallback: keep the best positively relevant candidate.
		best := -1
		for i, cand := range candidates {
			if cand.Score > 0 && (best < 0 || cand.Score > candidates[best].Score) {
				best = i
			}
		}
		if best >= 0 {
			kept = append(kept, candidates[best])
		}
	}

	if len(kept) > plan.K2 {
		kept = kept[:plan.K2]
	}
	return kept
}
