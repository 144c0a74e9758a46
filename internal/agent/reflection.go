package agent

import (
	"fmt"
	"strings"
)

// ReflectionPhase is one step of the per-turn reflection state machine.
type ReflectionPhase int

const (
	PhaseNone ReflectionPhase = iota
	PhaseDiagnose
	PhasePlan
	PhaseApply
)

func (p ReflectionPhase) String() string {
	switch p {
	case PhaseDiagnose:
		return "diagnose"
	case PhasePlan:
		return "plan"
	case PhaseApply:
		return "apply"
	default:
		return "none"
	}
}

// TurnOutcome classifies how a turn ended.
type TurnOutcome string

const (
	OutcomeSuccess TurnOutcome = "success"
	OutcomeFailure TurnOutcome = "failure"
)

// Route names the planning style a policy hint prefers.
type Route string

const (
	RouteReact Route = "react"
	RouteGraph Route = "graph"
)

// RiskFloor is the minimum risk posture a hint imposes.
type RiskFloor string

const (
	RiskLow    RiskFloor = "low"
	RiskMedium RiskFloor = "medium"
	RiskHigh   RiskFloor = "high"
)

// TrustClass classifies how much scrutiny tool output deserves.
type TrustClass string

const (
	TrustEvidence     TrustClass = "evidence"
	TrustVerification TrustClass = "verification"
	TrustOther        TrustClass = "other"
)

// Reflection is the record produced for one completed turn. The three
// phases must run in order; skipping one is a programming error surfaced
// by Advance.
type Reflection struct {
	phase ReflectionPhase

	Route            string      `json:"route"`
	Objective        string      `json:"objective"`
	AssistantMessage string      `json:"assistant_message"`
	Outcome          TurnOutcome `json:"outcome"`
	ToolCallCount    int         `json:"tool_call_count"`
	Diagnosis        string      `json:"diagnosis"`
	PlanNote         string      `json:"plan_note"`
	Applied          bool        `json:"applied"`
}

// Advance moves the state machine to next, rejecting out-of-order
// transitions.
func (r *Reflection) Advance(next ReflectionPhase) error {
	if next != r.phase+1 {
		return fmt.Errorf("reflection transition %s -> %s out of order", r.phase, next)
	}
	r.phase = next
	return nil
}

// Phase returns the current phase.
func (r *Reflection) Phase() ReflectionPhase { return r.phase }

// failureMarkers flag assistant output that reads like an error.
var failureMarkers = []string{
	"error", "failed", "failure", "timeout", "timed out",
	"could not", "couldn't", "unable to", "exception",
}

// looksFailed applies the assistant-text heuristic.
func looksFailed(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// BuildTurnReflection runs Diagnose, Plan, and Apply over one turn and
// returns the completed record.
func BuildTurnReflection(route, objective, assistantMessage string, outcome TurnOutcome, toolCallCount int) (*Reflection, error) {
	r := &Reflection{
		Route:            route,
		Objective:        objective,
		AssistantMessage: assistantMessage,
		Outcome:          outcome,
		ToolCallCount:    toolCallCount,
	}

	if err := r.Advance(PhaseDiagnose); err != nil {
		return nil, err
	}
	if outcome == OutcomeFailure || looksFailed(assistantMessage) {
		r.Outcome = OutcomeFailure
		r.Diagnosis = "turn ended with an error signal"
	} else {
		r.Diagnosis = "turn completed cleanly"
	}

	if err := r.Advance(PhasePlan); err != nil {
		return nil, err
	}
	if r.Outcome == OutcomeFailure {
		r.PlanNote = "prefer structured planning and verify tool output next turn"
	} else if toolCallCount == 0 {
		r.PlanNote = "direct answer sufficed; keep reactive route"
	} else {
		r.PlanNote = "tool-assisted turn; keep current route"
	}

	if err := r.Advance(PhaseApply); err != nil {
		return nil, err
	}
	r.Applied = true
	return r, nil
}

// PolicyHint nudges the next turn's planning.
type PolicyHint struct {
	SourceTurnID     string     `json:"source_turn_id"`
	PreferredRoute   Route      `json:"preferred_route"`
	RiskFloor        RiskFloor  `json:"risk_floor"`
	FallbackOverride string     `json:"fallback_override,omitempty"`
	ToolTrustClass   TrustClass `json:"tool_trust_class"`
}

// DerivePolicyHint maps a completed reflection to a hint. Failures point
// at the graph route with medium risk and verification-grade trust; clean
// zero-tool turns stay reactive with evidence-grade trust.
func DerivePolicyHint(r *Reflection, turnID string) PolicyHint {
	hint := PolicyHint{SourceTurnID: turnID}

	if r.Outcome == OutcomeFailure {
		hint.PreferredRoute = RouteGraph
		hint.RiskFloor = RiskMedium
		hint.ToolTrustClass = TrustVerification
		return hint
	}

	hint.RiskFloor = RiskLow
	if r.ToolCallCount == 0 {
		hint.PreferredRoute = RouteReact
		hint.ToolTrustClass = TrustEvidence
	} else {
		hint.PreferredRoute = RouteReact
		hint.ToolTrustClass = TrustOther
	}
	return hint
}
