// Package recall computes how much long-term memory to inject into a turn:
// the plan parameters, the relevance/recency fusion of retrieved episodes,
// and the injected context block.
package recall

import "math"

// Plan bounds.
const (
	minK1          = 1
	maxK1          = 50
	minScoreFloor  = 0.01
	minScoreCeil   = 1.0
	contextCharsLo = 320
	contextCharsHi = 2400

	baseMinScore     = 0.05
	baseContextChars = 1200
)

// Inputs feed plan derivation.
type Inputs struct {
	BaseK1     int
	BaseK2     int
	BaseLambda float64

	// ContextBudgetTokens is the total budget; zero means no budget and
	// therefore no budget pressure.
	ContextBudgetTokens        int
	ContextBudgetReserveTokens int
	ContextTokensBeforeRecall  int

	ActiveTurnsEstimate int
	WindowMaxTurns      int
	SummarySegmentCount int
}

// Plan is the derived recall parameter set. All values are clamped to
// their documented ranges.
type Plan struct {
	K1              int     `json:"k1"`
	K2              int     `json:"k2"`
	Lambda          float64 `json:"lambda"`
	MinScore        float64 `json:"min_score"`
	MaxContextChars int     `json:"max_context_chars"`

	BudgetPressure        float64 `json:"budget_pressure"`
	WindowPressure        float64 `json:"window_pressure"`
	EffectiveBudgetTokens int     `json:"effective_budget_tokens"`
}

// Derive computes the plan for the given inputs and feedback bias.
// High budget pressure tightens recall (fewer, more relevant, shorter);
// a pressured window with budget headroom widens it. Negative bias widens,
// positive bias tightens, proportional to magnitude.
func Derive(in Inputs, bias float64) Plan {
	effective := in.ContextBudgetTokens - in.ContextBudgetReserveTokens
	if in.ContextBudgetTokens == 0 || effective < 0 {
		effective = 0
	}

	budgetPressure := 0.0
	if effective > 0 {
		budgetPressure = float64(in.ContextTokensBeforeRecall) / float64(max(1, effective))
	}

	windowPressure := float64(in.ActiveTurnsEstimate) / float64(max(1, in.WindowMaxTurns))
	windowPressure += float64(in.SummarySegmentCount) * 0.1
	if windowPressure > 1.5 {
		windowPressure = 1.5
	}

	k1 := float64(in.BaseK1)
	k2 := float64(in.BaseK2)
	lambda := in.BaseLambda
	minScore := baseMinScore
	chars := float64(baseContextChars)

	switch {
	case budgetPressure >= 1.0:
		over := math.Min(budgetPressure, 2.0) - 1.0
		shrink := 2.0 + 2.0*over
		k1 = math.Ceil(k1 / shrink)
		k2 = math.Ceil(k2 / shrink)
		lambda += 0.30 + 0.30*over
		minScore += 0.10 + 0.10*over
		chars -= (chars - contextCharsLo) * math.Min(1.0, budgetPressure-0.4)
	case budgetPressure < 0.5 && windowPressure >= 0.75:
		k1 *= 1.5
		k2 *= 1.5
		lambda -= 0.15
		minScore -= 0.02
		chars += 600
	}

	// Feedback bias: recent failures widen recall, recent successes
	// tighten it, proportional to magnitude.
	switch {
	case bias <= -0.25:
		widen := math.Min(1.0, -bias)
		k1 += math.Ceil(k1 * 0.5 * widen)
		k2 += math.Ceil(k2 * 0.5 * widen)
		lambda -= 0.20 * widen
		minScore -= 0.08 * widen
		chars += 600 * widen
	case bias >= 0.35:
		tighten := math.Min(1.0, bias)
		k1 -= math.Ceil(k1 * 0.3 * tighten)
		k2 -= math.Ceil(k2 * 0.3 * tighten)
		lambda += 0.15 * tighten
		minScore += 0.05 * tighten
		chars -= 400 * tighten
	}

	plan := Plan{
		K1:              clampInt(int(math.Round(k1)), minK1, maxK1),
		Lambda:          clampFloat(lambda, 0, 1),
		MinScore:        clampFloat(minScore, minScoreFloor, minScoreCeil),
		MaxContextChars: clampInt(int(math.Round(chars)), contextCharsLo, contextCharsHi),

		BudgetPressure:        budgetPressure,
		WindowPressure:        windowPressure,
		EffectiveBudgetTokens: effective,
	}
	plan.K2 = clampInt(int(math.Round(k2)), minK1, plan.K1)
	return plan
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
