// Package signals implements the pluggable continuity signals used to score
// candidate threads against an incoming message.
//
// A Signal observes the message once (possibly calling an external service)
// and returns an Observation, which then scores any number of candidate
// threads without further I/O.
package signals

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/xaenox/threadkeeper/internal/models"
)

// Signal names, also used as keys for weights.
const (
	Semantic = "semantic"
	Temporal = "temporal"
	Intent   = "intent"
	Entity   = "entity"
)

// Neutral is the score contributed by a signal that has nothing to say.
const Neutral = 0.5

// ErrUnavailable indicates a signal timed out or its backing service failed.
var ErrUnavailable = errors.New("signal unavailable")

// Env carries per-resolution scoring parameters.
type Env struct {
	Now      time.Time
	DecayTau time.Duration
}

// Observation scores candidate threads from what a signal learned about a message.
type Observation interface {
	Score(t *models.Thread, env Env) float64
}

type Signal interface {
	Name() string
	Observe(ctx context.Context, msg models.IncomingMessage) (Observation, error)
}

// Local is implemented by signals that need no external service and so never degrade.
type Local interface {
	Local() bool
}

// IsLocal reports whether s never calls an external service.
func IsLocal(s Signal) bool {
	l, ok := s.(Local)
	return ok && l.Local()
}

// Features is what a message contributes to the thread it lands on.
type Features struct {
	Embedding []float32
	Intent    string
	Entities  []string
}

// Contributor is implemented by observations that update thread state on
// continuation, reactivation or creation.
type Contributor interface {
	Contribute(f *Features)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return Neutral
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
