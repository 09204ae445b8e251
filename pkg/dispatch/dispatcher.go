// Package dispatch runs one prompt against a pooled browser tab and waits for
// the reply to settle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/entrhq/pantheon/pkg/logging"
	"github.com/entrhq/pantheon/pkg/pool"
	"github.com/entrhq/pantheon/pkg/stabilize"
)

const tracerName = "github.com/entrhq/pantheon/pkg/dispatch"

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("dispatch")
	if err != nil {
		debugLog.Warnf("Failed to initialize dispatch logger, using stderr fallback: %v", err)
	}
}

var (
	// ErrUnknownCategory is returned for a category with no registered driver.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrEmptyPrompt is returned when the prompt has no content.
	ErrEmptyPrompt = errors.New("empty prompt")

	// ErrNoContent is returned when the reply settled or timed out with
	// every channel empty.
	ErrNoContent = errors.New("no content in reply")
)

// Acquirer hands out scoped access to pooled tabs. *pool.Pool implements it.
type Acquirer interface {
	With(ctx context.Context, category string, fn func(*pool.Handle) error) error
}

// Task is one prompt to send.
type Task struct {
	Prompt string

	// NewChat starts a fresh conversation before submitting.
	NewChat bool
}

// Result is the settled reply to a Task.
type Result struct {
	Category string
	HandleID string
	Thought  string
	Answer   string

	// TimedOut marks a reply cut off by the detector's deadline. Answer
	// may be incomplete.
	TimedOut bool

	Elapsed time.Duration
	Polls   int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStabilize sets the detector timings used by categories that do not
// override them.
func WithStabilize(opts stabilize.Options) Option {
	return func(d *Dispatcher) {
		d.stabilize = opts
	}
}

// WithMetrics exports dispatch activity to m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracerProvider sets where dispatch spans are sent. The global provider
// is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger replaces the package logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// Dispatcher sends prompts to categories through a pool.
type Dispatcher struct {
	pool      Acquirer
	registry  *Registry
	stabilize stabilize.Options
	metrics   *Metrics
	tracer    trace.Tracer
	log       *logging.Logger
}

// New creates a Dispatcher over p and reg.
func New(p Acquirer, reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:      p,
		registry:  reg,
		stabilize: stabilize.DefaultOptions(),
		tracer:    otel.Tracer(tracerName),
		log:       debugLog,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves categories in.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch sends task to a tab of category and waits for the reply to settle.
//
// The tab is held for the whole call and released on every path. A reply cut
// off by the detector's deadline is returned with TimedOut set and no error,
// unless it is empty, in which case ErrNoContent is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, category string, task Task) (*Result, error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	e, ok := d.registry.lookup(category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	name := e.Name

	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("pantheon.category", name),
		attribute.Bool("pantheon.new_chat", task.NewChat),
		attribute.Int("pantheon.prompt_bytes", len(task.Prompt)),
	))
	defer span.End()

	start := time.Now()
	var result *Result
	err := d.pool.With(ctx, name, func(h *pool.Handle) error {
		span.SetAttributes(attribute.String("pantheon.handle_id", h.ID()))
		d.log.Debugf("[%s] dispatching on handle %s (%s)", name, h.ID(), h.URL())

		r, err := d.run(ctx, e, h, task)
		result = r
		return err
	})

	outcome := outcomeError
	switch {
	case err != nil:
	case result.Answer == "" && result.Thought == "":
		outcome = outcomeEmpty
		err = fmt.Errorf("%w from %s", ErrNoContent, name)
	case result.TimedOut:
		outcome = outcomeTimedOut
	default:
		outcome = outcomeStable
	}

	answerBytes := 0
	if result != nil {
		answerBytes = len(result.Answer)
		span.SetAttributes(
			attribute.Bool("pantheon.timed_out", result.TimedOut),
			attribute.Int("pantheon.polls", result.Polls),
			attribute.Int("pantheon.answer_bytes", answerBytes),
		)
	}
	d.metrics.observe(name, outcome, time.Since(start), answerBytes)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Warnf("[%s] dispatch failed: %v", name, err)
		return nil, err
	}

	if result.TimedOut {
		d.log.Warnf("[%s] reply did not settle within %s, returning %d bytes", name, result.Elapsed, answerBytes)
	} else {
		d.log.Infof("[%s] reply settled after %s (%d polls, %d bytes)", name, result.Elapsed, result.Polls, answerBytes)
	}
	return result, nil
}

func (d *Dispatcher) run(ctx context.Context, e *entry, h *pool.Handle, task Task) (*Result, error) {
	res := h.Resource()
	drv := e.Driver

	if err := drv.Activate(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to activate tab: %w", err)
	}
	if task.NewChat {
		if err := drv.NewChat(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to start new chat: %w", err)
		}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := drv.Submit(ctx, res, task.Prompt); err != nil {
		return nil, fmt.Errorf("failed to submit prompt: %w", err)
	}

	opts := d.optionsFor(e)
	opts.Generating = func(ctx context.Context) (bool, error) {
		return drv.Generating(ctx, res)
	}
	opts.OnChange = func(prev, cur stabilize.Sample) {
		if grown := cur.Len() - prev.Len(); grown > 0 {
			d.log.Debugf("[%s] reply grew +%d bytes", e.Name, grown)
		}
	}

	sampled, err := stabilize.WaitForStable(ctx, func(ctx context.Context) (stabilize.Sample, error) {
		return drv.Sample(ctx, res)
	}, opts)
	if err != nil {
		return nil, err
	}

	return &Result{
		Category: e.Name,
		HandleID: h.ID(),
		Thought:  strings.TrimSpace(sampled.Channels[ChannelThought]),
		Answer:   strings.TrimSpace(sampled.Channels[ChannelAnswer]),
		TimedOut: sampled.TimedOut,
		Elapsed:  sampled.Elapsed,
		Polls:    sampled.Polls,
	}, nil
}

// optionsFor layers the category's overrides on the dispatcher defaults.
func (d *Dispatcher) optionsFor(e *entry) stabilize.Options {
	opts := d.stabilize
	o := e.Stabilize
	if o.Grace > 0 {
		opts.Grace = o.Grace
	}
	if o.PollInterval > 0 {
		opts.PollInterval = o.PollInterval
	}
	if o.StableFor > 0 {
		opts.StableFor = o.StableFor
	}
	if o.MaxWait > 0 {
		opts.MaxWait = o.MaxWait
	}
	return opts
}
