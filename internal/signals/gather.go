package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/threadkeeper/internal/models"
)

// Result is the outcome of observing one signal.
type Result struct {
	Name        string
	Local       bool
	Observation Observation
	Err         error
	TimedOut    bool
	Took        time.Duration
}

// Available reports whether the observation can be used for scoring.
func (r Result) Available() bool {
	return r.Err == nil && r.Observation != nil
}

// GatherOptions bounds signal observation time.
type GatherOptions struct {
	// CallTimeout bounds each individual Observe call.
	CallTimeout time.Duration
	// Deadline bounds the whole gathering; signals still running are reported unavailable.
	Deadline time.Duration
}

type indexedResult struct {
	idx int
	res Result
}

// Gather observes all signals concurrently and returns one Result per signal,
// in input order, once every signal has answered or the deadline has elapsed.
//
// Observe calls are detached from ctx cancellation and end on their own
// timeouts; results arriving after Gather returns are discarded. If ctx is
// cancelled Gather returns early and the caller is expected to check ctx.Err().
func Gather(ctx context.Context, msg models.IncomingMessage, sigs []Signal, opts GatherOptions) []Result {
	results := make([]Result, len(sigs))
	for i, s := range sigs {
		results[i] = Result{
			Name:     s.Name(),
			Local:    IsLocal(s),
			Err:      fmt.Errorf("%w: %s: deadline exceeded", ErrUnavailable, s.Name()),
			TimedOut: true,
		}
	}
	if len(sigs) == 0 {
		return results
	}

	// Buffered so late senders never block after we stop listening.
	ch := make(chan indexedResult, len(sigs))
	detached := context.WithoutCancel(ctx)
	for i, s := range sigs {
		go func(i int, s Signal) {
			callCtx := detached
			if opts.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(detached, opts.CallTimeout)
				defer cancel()
			}
			start := time.Now()
			obs, err := s.Observe(callCtx, msg)
			res := Result{Name: s.Name(), Local: IsLocal(s), Observation: obs, Took: time.Since(start)}
			if err != nil {
				res.Observation = nil
				res.TimedOut = errors.Is(err, context.DeadlineExceeded)
				res.Err = fmt.Errorf("%w: %s: %w", ErrUnavailable, s.Name(), err)
			} else if obs == nil {
				res.Err = fmt.Errorf("%w: %s: no observation", ErrUnavailable, s.Name())
			}
			ch <- indexedResult{idx: i, res: res}
		}(i, s)
	}

	var deadline <-chan time.Time
	if opts.Deadline > 0 {
		timer := time.NewTimer(opts.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}

	for pending := len(sigs); pending > 0; pending-- {
		select {
		case r := <-ch:
			results[r.idx] = r.res
		case <-deadline:
			return results
		case <-ctx.Done():
			return results
		}
	}
	return results
}

// CollectFeatures merges the contributions of all available observations.
func CollectFeatures(results []Result) Features {
	var f Features
	for _, r := range results {
		if !r.Available() {
			continue
		}
		if c, ok := r.Observation.(Contributor); ok {
			c.Contribute(&f)
		}
	}
	return f
}

// AllRemoteUnavailable reports whether every signal backed by an external
// service failed. It is false when there are no such signals.
func AllRemoteUnavailable(results []Result) bool {
	remote := 0
	for _, r := range results {
		if r.Local {
			continue
		}
		remote++
		if r.Available() {
			return false
		}
	}
	return remote > 0
}
