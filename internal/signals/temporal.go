package signals

import (
	"context"
	"math"
	"time"

	"github.com/xaenox/threadkeeper/internal/models"
)

// TemporalSignal scores recency with exponential decay exp(-Δt/τ).
type TemporalSignal struct {
	defaultTau time.Duration
}

func NewTemporalSignal(defaultTau time.Duration) *TemporalSignal {
	return &TemporalSignal{defaultTau: defaultTau}
}

func (s *TemporalSignal) Name() string { return Temporal }

func (s *TemporalSignal) Local() bool { return true }

func (s *TemporalSignal) Observe(context.Context, models.IncomingMessage) (Observation, error) {
	return temporalObservation{defaultTau: s.defaultTau}, nil
}

type temporalObservation struct {
	defaultTau time.Duration
}

func (o temporalObservation) Score(t *models.Thread, env Env) float64 {
	tau := env.DecayTau
	if tau <= 0 {
		tau = o.defaultTau
	}
	return Decay(t.Idle(env.Now), tau)
}

// Decay returns exp(-idle/tau), in (0, 1]. Non-positive idle scores 1.
func Decay(idle, tau time.Duration) float64 {
	if idle <= 0 {
		return 1
	}
	if tau <= 0 {
		return 0
	}
	return math.Exp(-idle.Seconds() / tau.Seconds())
}
