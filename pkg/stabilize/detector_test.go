package stabilize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted replays samples in order and then repeats the last one.
func scripted(samples ...Sample) (Sampler, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) (Sample, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(samples) {
			n = len(samples) - 1
		}
		return samples[n], nil
	}, &calls
}

func repeat(s Sample, n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func fastOptions() Options {
	return Options{
		PollInterval: 5 * time.Millisecond,
		StableFor:    20 * time.Millisecond,
		MaxWait:      5 * time.Second,
	}
}

func TestRequiredStreak(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want int
	}{
		{name: "exact multiple", opts: Options{PollInterval: 500 * time.Millisecond, StableFor: 2 * time.Second}, want: 4},
		{name: "rounds up", opts: Options{PollInterval: 500 * time.Millisecond, StableFor: 2100 * time.Millisecond}, want: 5},
		{name: "at least one", opts: Options{PollInterval: time.Second, StableFor: 100 * time.Millisecond}, want: 1},
		{name: "defaults", opts: Options{}, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.RequiredStreak())
		})
	}
}

func TestSample_EqualTreatsAbsentAsEmpty(t *testing.T) {
	assert.True(t, Sample{"answer": "hi", "thought": ""}.Equal(Sample{"answer": "hi"}))
	assert.True(t, Sample(nil).Equal(Sample{"answer": ""}))
	assert.False(t, Sample{"answer": "hi"}.Equal(Sample{"answer": "hi", "thought": "hmm"}))
	assert.True(t, Sample{"answer": ""}.Empty())
	assert.False(t, Sample{"thought": "x"}.Empty())
	assert.Equal(t, 5, Sample{"answer": "hi", "thought": "abc"}.Len())
}

func TestWaitForStable_EmptyThenHi(t *testing.T) {
	samples := append(repeat(Sample{"answer": ""}, 3), repeat(Sample{"answer": "hi"}, 5)...)
	sampler, calls := scripted(samples...)

	opts := fastOptions()
	require.Equal(t, 4, opts.RequiredStreak())

	res, err := WaitForStable(context.Background(), sampler, opts)
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.Equal(t, StateStable, res.State)
	assert.Equal(t, Sample{"answer": "hi"}, res.Channels)
	assert.Equal(t, 8, res.Polls)
	assert.Equal(t, int32(8), calls.Load())
}

func TestWaitForStable_EmptyNeverCountsAsStable(t *testing.T) {
	sampler, _ := scripted(Sample{"answer": "", "thought": ""})

	opts := fastOptions()
	opts.MaxWait = 60 * time.Millisecond

	res, err := WaitForStable(context.Background(), sampler, opts)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, StateTimedOut, res.State)
	assert.True(t, res.Channels.Empty())
	assert.GreaterOrEqual(t, res.Elapsed, 60*time.Millisecond)
}

func TestWaitForStable_NeverSettlingTimesOut(t *testing.T) {
	var n atomic.Int32
	sampler := func(ctx context.Context) (Sample, error) {
		return Sample{"answer": strings.Repeat("x", int(n.Add(1)))}, nil
	}

	opts := fastOptions()
	opts.MaxWait = 80 * time.Millisecond

	res, err := WaitForStable(context.Background(), sampler, opts)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.NotEmpty(t, res.Channels["answer"])
	assert.GreaterOrEqual(t, res.Elapsed, 80*time.Millisecond)
	assert.Less(t, res.Elapsed, 80*time.Millisecond+500*time.Millisecond)
}

func TestWaitForStable_ReturnsAfterStableDuration(t *testing.T) {
	const (
		settleAfter = 100 * time.Millisecond
		poll        = 10 * time.Millisecond
		stableFor   = 50 * time.Millisecond
	)
	start := time.Now()
	sampler := func(ctx context.Context) (Sample, error) {
		elapsed := time.Since(start)
		if elapsed < settleAfter {
			return Sample{"answer": fmt.Sprintf("chunk-%d", elapsed.Microseconds())}, nil
		}
		return Sample{"answer": "final"}, nil
	}

	res, err := WaitForStable(context.Background(), sampler, Options{
		PollInterval: poll,
		StableFor:    stableFor,
		MaxWait:      5 * time.Second,
	})
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.Equal(t, "final", res.Channels["answer"])
	assert.GreaterOrEqual(t, res.Elapsed, settleAfter+stableFor-poll)
	assert.Less(t, res.Elapsed, settleAfter+stableFor+500*time.Millisecond)
}

func TestWaitForStable_AllChannelsMustSettle(t *testing.T) {
	var n atomic.Int32
	sampler := func(ctx context.Context) (Sample, error) {
		i := int(n.Add(1))
		if i > 6 {
			i = 6
		}
		return Sample{"thought": "considering", "answer": strings.Repeat("a", i)}, nil
	}

	opts := fastOptions()
	opts.StableFor = 15 * time.Millisecond // streak of 3

	res, err := WaitForStable(context.Background(), sampler, opts)
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.Equal(t, "aaaaaa", res.Channels["answer"])
	assert.Equal(t, "considering", res.Channels["thought"])
	assert.Equal(t, 9, res.Polls)
}

func TestWaitForStable_GeneratingResetsStreak(t *testing.T) {
	sampler, _ := scripted(Sample{"answer": "hi"})

	var checks atomic.Int32
	opts := fastOptions()
	opts.StableFor = 10 * time.Millisecond // streak of 2
	opts.Generating = func(ctx context.Context) (bool, error) {
		return checks.Add(1) <= 5, nil
	}

	res, err := WaitForStable(context.Background(), sampler, opts)
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.Equal(t, 8, res.Polls)
	assert.Equal(t, int32(7), checks.Load())
}

func TestWaitForStable_LivenessErrorAborts(t *testing.T) {
	sampler, _ := scripted(Sample{"answer": "hi"})
	boom := errors.New("probe failed")

	opts := fastOptions()
	opts.Generating = func(ctx context.Context) (bool, error) {
		return false, boom
	}

	res, err := WaitForStable(context.Background(), sampler, opts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "hi", res.Channels["answer"])
	assert.Equal(t, StateAccumulating, res.State)
}

func TestWaitForStable_SamplerErrorAborts(t *testing.T) {
	boom := errors.New("tab detached")
	var n atomic.Int32
	sampler := func(ctx context.Context) (Sample, error) {
		if n.Add(1) > 2 {
			return nil, boom
		}
		return Sample{"answer": "partial"}, nil
	}

	res, err := WaitForStable(context.Background(), sampler, fastOptions())
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "partial", res.Channels["answer"])
	assert.Equal(t, 2, res.Polls)
}

func TestWaitForStable_ContextCanceled(t *testing.T) {
	var n atomic.Int32
	sampler := func(ctx context.Context) (Sample, error) {
		return Sample{"answer": strings.Repeat("y", int(n.Add(1)))}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := WaitForStable(ctx, sampler, fastOptions())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.TimedOut)
}

func TestWaitForStable_GraceDelaysFirstSample(t *testing.T) {
	start := time.Now()
	var first atomic.Int64
	sampler := func(ctx context.Context) (Sample, error) {
		first.CompareAndSwap(0, int64(time.Since(start)))
		return Sample{"answer": "ready"}, nil
	}

	opts := fastOptions()
	opts.Grace = 50 * time.Millisecond

	_, err := WaitForStable(context.Background(), sampler, opts)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Duration(first.Load()), 50*time.Millisecond)
}

func TestWaitForStable_DeadlineDuringGraceSamplesOnce(t *testing.T) {
	sampler, calls := scripted(Sample{"answer": "early"})

	res, err := WaitForStable(context.Background(), sampler, Options{
		Grace:        time.Second,
		PollInterval: 5 * time.Millisecond,
		StableFor:    10 * time.Millisecond,
		MaxWait:      30 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, 1, res.Polls)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "early", res.Channels["answer"])
	assert.Less(t, res.Elapsed, time.Second)
}

func TestWaitForStable_OnChangeSeesGrowth(t *testing.T) {
	sampler, _ := scripted(
		Sample{"answer": ""},
		Sample{"answer": "he"},
		Sample{"answer": "hello"},
	)

	var growth []int
	opts := fastOptions()
	opts.OnChange = func(prev, cur Sample) {
		growth = append(growth, cur.Len()-prev.Len())
	}

	_, err := WaitForStable(context.Background(), sampler, opts)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, growth)
}

func TestWaitForStable_ResultIsolatedFromSamplerMap(t *testing.T) {
	shared := Sample{"answer": "done"}
	sampler := func(ctx context.Context) (Sample, error) {
		return shared, nil
	}

	res, err := WaitForStable(context.Background(), sampler, fastOptions())
	require.NoError(t, err)

	shared["answer"] = "mutated"
	assert.Equal(t, "done", res.Channels["answer"])
}
