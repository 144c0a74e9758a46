// Package compaction implements the context budget planner: given a
// session's message log and a token budget, it decides which messages
// survive the turn and emits a per-class accounting snapshot.
package compaction

import (
	"strings"
	"time"

	"omniagent/pkg/models"
)

// CharsPerToken is the approximate character-to-token ratio used by the
// built-in estimator.
const CharsPerToken = 4

// Tokenizer counts tokens for a message payload. The default estimator is
// a chars/4 heuristic; callers with a real tokenizer can substitute it.
type Tokenizer interface {
	Count(text string) int
}

// EstimatorTokenizer is the built-in heuristic tokenizer.
type EstimatorTokenizer struct{}

func (EstimatorTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// MessageClass partitions messages for budgeting.
type MessageClass string

const (
	ClassNonSystem     MessageClass = "non_system"
	ClassRegularSystem MessageClass = "regular_system"
	ClassSummarySystem MessageClass = "summary_system"
)

// summaryNamePrefix marks system messages that carry distilled prior
// context. The predicate lives here and nowhere else.
const summaryNamePrefix = "summary:"

// IsSummaryMessage reports whether msg is an injected summary-system
// message.
func IsSummaryMessage(msg models.ChatMessage) bool {
	return msg.Role == models.RoleSystem && strings.HasPrefix(msg.Name, summaryNamePrefix)
}

// Classify assigns a message to its budget class.
func Classify(msg models.ChatMessage) MessageClass {
	if msg.Role != models.RoleSystem {
		return ClassNonSystem
	}
	if IsSummaryMessage(msg) {
		return ClassSummarySystem
	}
	return ClassRegularSystem
}

// Config tunes the planner.
type Config struct {
	// Strategy names the drop policy. Only "recent_first" is implemented.
	Strategy string
	// BudgetTokens is the total context budget; zero disables planning.
	BudgetTokens int
	// ReserveTokens is held back for the model response.
	ReserveTokens int
	// Shares splits the effective budget between classes. Values are
	// normalized; zero uses the defaults.
	NonSystemShare     float64
	RegularSystemShare float64
	SummarySystemShare float64
}

// DefaultConfig returns the default planner tuning.
func DefaultConfig() Config {
	return Config{
		Strategy:           "recent_first",
		NonSystemShare:     0.70,
		RegularSystemShare: 0.15,
		SummarySystemShare: 0.15,
	}
}

// ClassCounters is the per-class accounting in a snapshot.
type ClassCounters struct {
	InputMessages     int `json:"input_messages"`
	KeptMessages      int `json:"kept_messages"`
	DroppedMessages   int `json:"dropped_messages"`
	TruncatedMessages int `json:"truncated_messages"`
	InputTokens       int `json:"input_tokens"`
	KeptTokens        int `json:"kept_tokens"`
	DroppedTokens     int `json:"dropped_tokens"`
	TruncatedTokens   int `json:"truncated_tokens"`
}

// Snapshot is the dashboard record emitted for each planned turn.
type Snapshot struct {
	Strategy              string        `json:"strategy"`
	BudgetTokens          int           `json:"budget_tokens"`
	ReserveTokens         int           `json:"reserve_tokens"`
	EffectiveBudgetTokens int           `json:"effective_budget_tokens"`
	PreMessages           int           `json:"pre_messages"`
	PostMessages          int           `json:"post_messages"`
	DroppedMessages       int           `json:"dropped_messages"`
	PreTokens             int           `json:"pre_tokens"`
	PostTokens            int           `json:"post_tokens"`
	DroppedTokens         int           `json:"dropped_tokens"`
	NonSystem             ClassCounters `json:"non_system"`
	RegularSystem         ClassCounters `json:"regular_system"`
	SummarySystem         ClassCounters `json:"summary_system"`
	CreatedAtMS           int64         `json:"created_at_ms"`
}

// Result is the planner output: the surviving messages in original order
// plus the snapshot.
type Result struct {
	Messages []models.ChatMessage
	Snapshot Snapshot
}

// ellipsisMarker joins the kept head and tail of a truncated message.
const ellipsisMarker = " … "

// Plan applies the recent_first strategy. Guarantees: post tokens never
// exceed the effective budget, system messages are dropped only after all
// non-system candidates, and the most recent user message always survives
// (truncated when it alone overflows).
func Plan(msgs []models.ChatMessage, cfg Config, tok Tokenizer) Result {
	if tok == nil {
		tok = EstimatorTokenizer{}
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "recent_first"
	}
	applyShareDefaults(&cfg)

	effective := cfg.BudgetTokens - cfg.ReserveTokens
	if effective < 0 {
		effective = 0
	}

	snap := Snapshot{
		Strategy:              cfg.Strategy,
		BudgetTokens:          cfg.BudgetTokens,
		ReserveTokens:         cfg.ReserveTokens,
		EffectiveBudgetTokens: effective,
		CreatedAtMS:           time.Now().UnixMilli(),
	}

	type entry struct {
		msg    models.ChatMessage
		class  MessageClass
		tokens int
	}
	entries := make([]entry, len(msgs))
	lastUserIdx := -1
	for i, msg := range msgs {
		class := Classify(msg)
		tokens := tok.Count(msg.Content)
		entries[i] = entry{msg: msg, class: class, tokens: tokens}

		counters := snap.class(class)
		counters.InputMessages++
		counters.InputTokens += tokens
		snap.PreMessages++
		snap.PreTokens += tokens

		if msg.Role == models.RoleUser {
			lastUserIdx = i
		}
	}

	budgets := map[MessageClass]int{
		ClassNonSystem:     int(float64(effective) * cfg.NonSystemShare),
		ClassRegularSystem: int(float64(effective) * cfg.RegularSystemShare),
		ClassSummarySystem: int(float64(effective) * cfg.SummarySystemShare),
	}

	kept := make([]bool, len(msgs))
	truncated := make([]string, len(msgs))
	emptied := make([]bool, len(msgs))

	// Newest to oldest; the pinned user message is placed first so its
	// claim on the non-system budget cannot be stolen by newer tool or
	// assistant messages.
	order := make([]int, 0, len(msgs))
	if lastUserIdx >= 0 {
		order = append(order, lastUserIdx)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if i != lastUserIdx {
			order = append(order, i)
		}
	}

	for _, i := range order {
		e := entries[i]
		remaining := budgets[e.class]
		counters := snap.class(e.class)
		pinned := i == lastUserIdx

		switch {
		case e.tokens <= remaining:
			kept[i] = true
			budgets[e.class] -= e.tokens
		case e.class == ClassNonSystem && remaining > 0:
			// Middle truncation: keep ~40% head and ~60% tail.
			text, fitTokens := middleTruncate(e.msg.Content, remaining, tok)
			if text != "" {
				kept[i] = true
				truncated[i] = text
				budgets[e.class] -= fitTokens
				counters.TruncatedMessages++
				counters.TruncatedTokens += e.tokens - fitTokens
			} else if pinned {
				kept[i] = true
				emptied[i] = true
				counters.TruncatedMessages++
				counters.TruncatedTokens += e.tokens
			}
		case pinned:
			// Never drop the most recent user message; give it whatever
			// still fits, empty content if nothing does.
			text, fitTokens := middleTruncate(e.msg.Content, remaining, tok)
			kept[i] = true
			truncated[i] = text
			emptied[i] = text == ""
			budgets[e.class] -= fitTokens
			counters.TruncatedMessages++
			counters.TruncatedTokens += e.tokens - fitTokens
		}
	}

	result := Result{}
	for i, e := range entries {
		counters := snap.class(e.class)
		if !kept[i] {
			counters.DroppedMessages++
			counters.DroppedTokens += e.tokens
			snap.DroppedMessages++
			snap.DroppedTokens += e.tokens
			continue
		}
		msg := e.msg
		if truncated[i] != "" || emptied[i] {
			msg.Content = truncated[i]
		}
		keptTokens := tok.Count(msg.Content)
		counters.KeptMessages++
		counters.KeptTokens += keptTokens
		snap.PostMessages++
		snap.PostTokens += keptTokens
		result.Messages = append(result.Messages, msg)
	}

	result.Snapshot = snap
	return result
}

func applyShareDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.NonSystemShare <= 0 {
		cfg.NonSystemShare = def.NonSystemShare
	}
	if cfg.RegularSystemShare <= 0 {
		cfg.RegularSystemShare = def.RegularSystemShare
	}
	if cfg.SummarySystemShare <= 0 {
		cfg.SummarySystemShare = def.SummarySystemShare
	}
	total := cfg.NonSystemShare + cfg.RegularSystemShare + cfg.SummarySystemShare
	cfg.NonSystemShare /= total
	cfg.RegularSystemShare /= total
	cfg.SummarySystemShare /= total
}

func (s *Snapshot) class(c MessageClass) *ClassCounters {
	switch c {
	case ClassRegularSystem:
		return &s.RegularSystem
	case ClassSummarySystem:
		return &s.SummarySystem
	default:
		return &s.NonSystem
	}
}

// middleTruncate shortens text to fit maxTokens, keeping ~40% head and
// ~60% tail joined by an ellipsis marker, cut on rune boundaries.
// Returns the truncated text and its token count.
func middleTruncate(text string, maxTokens int, tok Tokenizer) (string, int) {
	if maxTokens <= 0 {
		return "", 0
	}
	if tok.Count(text) <= maxTokens {
		return text, tok.Count(text)
	}

	runes := []rune(text)
	markerTokens := tok.Count(ellipsisMarker)
	budget := maxTokens - markerTokens
	if budget <= 0 {
		return "", 0
	}

	// Convert the token budget back to a rune count, then shrink until
	// the tokenizer agrees.
	keep := budget * CharsPerToken
	if keep >= len(runes) {
		keep = len(runes) - 1
	}
	for keep > 0 {
		head := keep * 40 / 100
		tail := keep - head
		candidate := string(runes[:head]) + ellipsisMarker + string(runes[len(runes)-tail:])
		if n := tok.Count(candidate); n <= maxTokens {
			return candidate, n
		}
		keep = keep * 9 / 10
	}
	return "", 0
}
