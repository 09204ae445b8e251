// Package stabilize detects when a slowly growing output has stopped changing.
//
// Backends that render answers progressively give no end-of-stream signal.
// WaitForStable samples the output on a fixed interval and declares it done
// once every channel (for example "thought" and "answer") has stayed
// byte-identical for a required duration, after content has appeared at least
// once. A hard deadline turns a never-settling stream into a best-effort
// partial result instead of an error.
package stabilize

import (
	"context"
	"time"
)

// Defaults for Options fields left at zero.
const (
	DefaultGrace        = 2 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStableFor    = 2 * time.Second
	DefaultMaxWait      = 120 * time.Second
)

// Sample maps channel names to their current text. An absent channel is
// equivalent to an empty one.
type Sample map[string]string

// Clone returns a copy that is safe to keep after the sampler mutates its map.
func (s Sample) Clone() Sample {
	if s == nil {
		return nil
	}
	out := make(Sample, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether every channel of s and o holds the same text.
func (s Sample) Equal(o Sample) bool {
	for k, v := range s {
		if o[k] != v {
			return false
		}
	}
	for k, v := range o {
		if s[k] != v {
			return false
		}
	}
	return true
}

// Empty reports whether no channel has content.
func (s Sample) Empty() bool {
	for _, v := range s {
		if v != "" {
			return false
		}
	}
	return true
}

// Len returns the total number of bytes across channels.
func (s Sample) Len() int {
	n := 0
	for _, v := range s {
		n += len(v)
	}
	return n
}

// Sampler returns the current value of every channel. It is called once per
// poll and must be cheap. An error aborts the wait.
type Sampler func(ctx context.Context) (Sample, error)

// LivenessFunc reports whether the producer is still visibly generating.
type LivenessFunc func(ctx context.Context) (bool, error)

// State is the detector's position in its state machine.
type State int

const (
	StateWaitingForStart State = iota
	StateAccumulating
	StateStable
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateWaitingForStart:
		return "waiting_for_start"
	case StateAccumulating:
		return "accumulating"
	case StateStable:
		return "stable"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Options tunes a WaitForStable call.
type Options struct {
	// Grace is waited before the first sample so generation has visibly started.
	Grace time.Duration

	// PollInterval is the spacing between samples.
	PollInterval time.Duration

	// StableFor is how long all channels must stay unchanged.
	StableFor time.Duration

	// MaxWait bounds the whole call, grace included.
	MaxWait time.Duration

	// Generating, when set, must report false for an unchanged sample to count.
	Generating LivenessFunc

	// OnChange is called with the previous and current sample whenever they differ.
	OnChange func(prev, cur Sample)
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		Grace:        DefaultGrace,
		PollInterval: DefaultPollInterval,
		StableFor:    DefaultStableFor,
		MaxWait:      DefaultMaxWait,
	}
}

// withDefaults fills zero timings. A zero Grace means no grace period.
func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StableFor <= 0 {
		o.StableFor = DefaultStableFor
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	return o
}

// RequiredStreak returns ceil(StableFor / PollInterval), at least 1.
func (o Options) RequiredStreak() int {
	o = o.withDefaults()
	n := int(o.StableFor / o.PollInterval)
	if o.StableFor%o.PollInterval != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Result is the outcome of WaitForStable.
type Result struct {
	// Channels is the last sample taken.
	Channels Sample

	// TimedOut is set when MaxWait elapsed first. Channels may be partial.
	TimedOut bool

	// State is StateStable or StateTimedOut on a nil error, otherwise the
	// state the detector was in when it stopped.
	State State

	Elapsed time.Duration
	Polls   int
}
