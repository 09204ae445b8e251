package stabilize

import (
	"context"
	"fmt"
	"time"
)

// tracker is the per-call stabilization state.
type tracker struct {
	prev     Sample
	started  bool
	streak   int
	required int
}

func (t *tracker) state() State {
	if !t.started {
		return StateWaitingForStart
	}
	return StateAccumulating
}

// observe folds one sample into the state and reports whether the required
// streak has been reached.
func (t *tracker) observe(ctx context.Context, cur Sample, opts Options) (bool, error) {
	cur = cur.Clone()

	if !cur.Equal(t.prev) {
		if opts.OnChange != nil {
			opts.OnChange(t.prev, cur)
		}
		t.prev = cur
		t.streak = 0
		if !cur.Empty() {
			t.started = true
		}
		return false, nil
	}
	t.prev = cur

	// Nothing has been produced yet; identical empty samples prove nothing.
	if !t.started {
		return false, nil
	}

	if opts.Generating != nil {
		busy, err := opts.Generating(ctx)
		if err != nil {
			return false, fmt.Errorf("liveness check failed: %w", err)
		}
		if busy {
			t.streak = 0
			return false, nil
		}
	}

	t.streak++
	return t.streak >= t.required, nil
}

// WaitForStable polls sample until every channel has been unchanged for
// opts.StableFor, or opts.MaxWait elapses.
//
// A timeout is not an error: the last sample is returned with TimedOut set
// and callers decide whether partial content is acceptable. Sampler and
// liveness errors, and ctx cancellation, end the wait with an error and the
// last good sample.
func WaitForStable(ctx context.Context, sample Sampler, opts Options) (Result, error) {
	opts = opts.withDefaults()
	start := time.Now()

	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()

	t := &tracker{required: opts.RequiredStreak()}
	res := Result{}

	finish := func(state State) Result {
		res.State = state
		res.TimedOut = state == StateTimedOut
		res.Channels = t.prev
		res.Elapsed = time.Since(start)
		return res
	}

	timedOut := func() (Result, error) {
		if res.Polls == 0 {
			cur, err := sample(ctx)
			if err != nil {
				return finish(t.state()), fmt.Errorf("sample failed: %w", err)
			}
			res.Polls++
			t.prev = cur.Clone()
		}
		return finish(StateTimedOut), nil
	}

	if opts.Grace > 0 {
		grace := time.NewTimer(opts.Grace)
		select {
		case <-ctx.Done():
			grace.Stop()
			return finish(t.state()), ctx.Err()
		case <-deadline.C:
			grace.Stop()
			return timedOut()
		case <-grace.C:
		}
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return finish(t.state()), ctx.Err()
		case <-deadline.C:
			return timedOut()
		case <-ticker.C:
		}

		cur, err := sample(ctx)
		if err != nil {
			return finish(t.state()), fmt.Errorf("sample failed: %w", err)
		}
		res.Polls++

		done, err := t.observe(ctx, cur, opts)
		if err != nil {
			return finish(t.state()), err
		}
		if done {
			return finish(StateStable), nil
		}
	}
}
