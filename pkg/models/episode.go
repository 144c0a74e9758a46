package models

// GlobalScope is the sentinel scope for episodes not bound to a session.
const GlobalScope = "global"

// Episode is one stored experience: what was asked, what happened, and how
// well it went. Q-value and the usage counters feed the utility ranking.
type Episode struct {
	ID              string    `json:"id"`
	Intent          string    `json:"intent"`
	IntentEmbedding []float32 `json:"intent_embedding,omitempty"`
	Experience      string    `json:"experience"`
	Outcome         string    `json:"outcome"`
	QValue          float64   `json:"q_value"`
	SuccessCount    int       `json:"success_count"`
	FailureCount    int       `json:"failure_count"`
	CreatedAtMS     int64     `json:"created_at_ms"`
	Scope           string    `json:"scope"`
}

// NormalizeScope maps an empty scope to the global sentinel.
func NormalizeScope(scope string) string {
	if scope == "" {
		return GlobalScope
	}
	return scope
}

// Utility combines the Laplace-smoothed success rate with the Q-value.
func (e *Episode) Utility() float64 {
	rate := float64(e.SuccessCount+1) / float64(e.SuccessCount+e.FailureCount+1)
	return rate * e.QValue
}

// ScoredEpisode pairs an episode with a retrieval score.
type ScoredEpisode struct {
	Episode Episode `json:"episode"`
	Score   float64 `json:"score"`
}
