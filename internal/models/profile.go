package models

import "time"

// CorrectionKind identifies an explicit or implicit user correction.
type CorrectionKind string

const (
	// CorrectionSplitRequested: the user forced a new thread after an automatic continuation.
	CorrectionSplitRequested CorrectionKind = "split_requested"
	// CorrectionMergeRequested: the user moved a message back onto an earlier thread after an automatic creation.
	CorrectionMergeRequested CorrectionKind = "merge_requested"
	// CorrectionReactivatedGap: the user went back to a dormant thread after Gap of inactivity.
	CorrectionReactivatedGap CorrectionKind = "reactivated_gap"
	// WeightsSet records explicitly chosen signal weights. It is an adjustment
	// kind, not a correction the learner infers.
	WeightsSet CorrectionKind = "weights_set"
)

// Correction is a learning signal for a user's behavior profile.
type Correction struct {
	Kind     CorrectionKind `json:"kind"`
	ThreadID string         `json:"thread_id,omitempty"`
	Gap      time.Duration  `json:"gap,omitempty"`
	At       time.Time      `json:"at"`
}

// Weights are the signal combination weights.
type Weights struct {
	Semantic float64 `json:"semantic" mapstructure:"semantic"`
	Temporal float64 `json:"temporal" mapstructure:"temporal"`
	Intent   float64 `json:"intent" mapstructure:"intent"`
	Entity   float64 `json:"entity" mapstructure:"entity"`
}

// IsZero reports whether no weight is set.
func (w Weights) IsZero() bool {
	return w.Semantic == 0 && w.Temporal == 0 && w.Intent == 0 && w.Entity == 0
}

// ProfileAdjustment is one append-only step of a user's behavior profile.
// Values are the post-adjustment state so a profile can be rebuilt from the last entry.
type ProfileAdjustment struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Version           int            `json:"version"`
	Kind              CorrectionKind `json:"kind"`
	ContinuationBias  float64        `json:"continuation_bias"`
	DormancyTolerance time.Duration  `json:"dormancy_tolerance"`
	Weights           *Weights       `json:"weights,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// UserBehaviorProfile holds learned per-user resolution preferences.
type UserBehaviorProfile struct {
	UserID string `json:"user_id"`
	// ContinuationBias lowers (positive) or raises (negative) the continuation threshold.
	ContinuationBias float64 `json:"continuation_bias"`
	// DormancyTolerance personalizes the temporal decay constant. Zero means the default.
	DormancyTolerance time.Duration `json:"dormancy_tolerance"`
	// Weights replaces the default signal weights when non-zero.
	Weights Weights `json:"weights"`
	Version int     `json:"version"`
}
