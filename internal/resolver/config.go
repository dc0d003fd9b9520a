package resolver

import (
	"fmt"
	"time"

	"github.com/xaenox/threadkeeper/internal/decision"
	"github.com/xaenox/threadkeeper/internal/models"
)

// Config holds resolver tuning. Start from DefaultConfig: ApplyDefaults only
// fills fields for which zero is not a usable setting, so a zero Hysteresis,
// CreationThreshold, RescueThreshold or MaxDormantCandidates is kept as given.
type Config struct {
	// ContinuationThreshold is the minimum combined score to continue or reactivate.
	ContinuationThreshold float64
	// CreationThreshold: an active thread below it, with no dormant thread at
	// RescueThreshold or above, forces creation.
	CreationThreshold float64
	RescueThreshold   float64
	// Hysteresis is the margin within which the active thread wins over a dormant one.
	Hysteresis float64

	DormancyThreshold time.Duration
	MaxThreadAge      time.Duration
	// DecayTau is the temporal decay constant; defaults to DormancyThreshold.
	DecayTau time.Duration

	ResolutionDeadline   time.Duration
	SignalTimeout        time.Duration
	MaxDormantCandidates int
	DedupeWindow         time.Duration

	Weights      models.Weights
	LearningRate float64
	LockShards   int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	c := Config{
		CreationThreshold:    0.4,
		RescueThreshold:      0.6,
		Hysteresis:           0.05,
		MaxDormantCandidates: 5,
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults sets defaults for unset fields where zero is meaningless.
func (c *Config) ApplyDefaults() {
	if c.ContinuationThreshold == 0 {
		c.ContinuationThreshold = 0.7
	}
	if c.DormancyThreshold == 0 {
		c.DormancyThreshold = 2 * time.Hour
	}
	if c.MaxThreadAge == 0 {
		c.MaxThreadAge = 30 * 24 * time.Hour
	}
	if c.DecayTau == 0 {
		c.DecayTau = c.DormancyThreshold
	}
	if c.ResolutionDeadline == 0 {
		c.ResolutionDeadline = 200 * time.Millisecond
	}
	if c.SignalTimeout == 0 {
		c.SignalTimeout = 50 * time.Millisecond
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 30 * time.Second
	}
	if c.Weights.IsZero() {
		c.Weights = models.Weights{Semantic: 0.4, Temporal: 0.25, Intent: 0.2, Entity: 0.15}
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.2
	}
	if c.LockShards == 0 {
		c.LockShards = 64
	}
}

// Validate checks that thresholds and durations are consistent.
func (c *Config) Validate() error {
	ranged := []struct {
		name  string
		value float64
	}{
		{"continuation threshold", c.ContinuationThreshold},
		{"creation threshold", c.CreationThreshold},
		{"rescue threshold", c.RescueThreshold},
		{"hysteresis", c.Hysteresis},
		{"learning rate", c.LearningRate},
	}
	for _, r := range ranged {
		if r.value < 0 || r.value > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", r.name, r.value)
		}
	}
	if c.CreationThreshold > c.ContinuationThreshold {
		return fmt.Errorf("creation threshold %v exceeds continuation threshold %v",
			c.CreationThreshold, c.ContinuationThreshold)
	}
	if c.RescueThreshold > c.ContinuationThreshold {
		return fmt.Errorf("rescue threshold %v exceeds continuation threshold %v",
			c.RescueThreshold, c.ContinuationThreshold)
	}
	if c.DormancyThreshold <= 0 || c.MaxThreadAge <= c.DormancyThreshold {
		return fmt.Errorf("max thread age %v must exceed dormancy threshold %v", c.MaxThreadAge, c.DormancyThreshold)
	}
	if c.ResolutionDeadline <= 0 || c.SignalTimeout <= 0 {
		return fmt.Errorf("resolution deadline and signal timeout must be positive")
	}
	w := c.Weights
	if w.Semantic < 0 || w.Temporal < 0 || w.Intent < 0 || w.Entity < 0 {
		return fmt.Errorf("score weights must not be negative")
	}
	if c.MaxDormantCandidates < 0 {
		return fmt.Errorf("max dormant candidates must not be negative")
	}
	return nil
}

func (c *Config) decisionConfig() decision.Config {
	return decision.Config{
		ContinuationThreshold: c.ContinuationThreshold,
		CreationThreshold:     c.CreationThreshold,
		RescueThreshold:       c.RescueThreshold,
		Hysteresis:            c.Hysteresis,
		Weights:               c.Weights,
	}
}
