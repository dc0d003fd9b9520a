package models

import "time"

// Action is what the resolver decided to do with a message.
type Action string

const (
	ActionContinued   Action = "continued"
	ActionCreated     Action = "created"
	ActionReactivated Action = "reactivated"
)

// Rule names recorded in Reasoning.Rule.
const (
	RuleNoCandidates      = "no_candidates"
	RuleContinueActive    = "continue_active"
	RuleHysteresisActive  = "hysteresis_active"
	RuleReactivateDormant = "reactivate_dormant"
	RuleContinueAmbiguous = "continue_ambiguous"
	RuleReactivateRescue  = "reactivate_rescue"
	RuleCreateNew         = "create_new"
	RuleExplicitOverride  = "explicit_override"
	RuleForceNew          = "force_new"
	RuleFallbackContinue  = "fallback_continue"
	RuleFallbackCreate    = "fallback_create"
	RuleDuplicate         = "duplicate_submission"
)

// SignalScore is one signal's contribution to a candidate's combined score.
type SignalScore struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Weight   float64 `json:"weight"`
	Degraded bool    `json:"degraded,omitempty"`
}

// CandidateScore is the scoring breakdown for one candidate thread.
type CandidateScore struct {
	ThreadID string        `json:"thread_id"`
	Status   ThreadStatus  `json:"status"`
	Signals  []SignalScore `json:"signals"`
	Combined float64       `json:"combined"`
}

// Thresholds are the decision thresholds in effect for a resolution.
type Thresholds struct {
	Continuation float64 `json:"continuation"`
	Creation     float64 `json:"creation"`
	Rescue       float64 `json:"rescue"`
	Hysteresis   float64 `json:"hysteresis"`
}

// Reasoning is a structured record of why a resolution was made.
// It is meant for logs and debugging, not for end users.
type Reasoning struct {
	Rule       string           `json:"rule"`
	Thresholds Thresholds       `json:"thresholds"`
	Candidates []CandidateScore `json:"candidates,omitempty"`
	Fallback   bool             `json:"fallback,omitempty"`
	Degraded   []string         `json:"degraded,omitempty"`
}

// ThreadResolution is the immutable result of resolving one message.
type ThreadResolution struct {
	ThreadID   string    `json:"thread_id"`
	Action     Action    `json:"action"`
	Confidence float64   `json:"confidence"`
	Reasoning  Reasoning `json:"reasoning"`
	ResolvedAt time.Time `json:"resolved_at"`
}
