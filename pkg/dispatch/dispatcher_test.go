package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/entrhq/pantheon/pkg/logging"
	"github.com/entrhq/pantheon/pkg/pool"
	"github.com/entrhq/pantheon/pkg/stabilize"
)

type tab struct {
	url string
}

func (t *tab) URL() string { return t.url }

type tabFactory struct{}

func (tabFactory) Create(ctx context.Context, category string) (pool.Resource, error) {
	return &tab{url: "https://" + category + ".example/"}, nil
}

func (tabFactory) Destroy(string, pool.Resource) error { return nil }

// scriptedDriver replays samples and records the calls it receives.
type scriptedDriver struct {
	mu        sync.Mutex
	samples   []stabilize.Sample
	sampled   int
	calls     []string
	prompts   []string
	submitErr error
	sampleErr error
}

func (d *scriptedDriver) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *scriptedDriver) Activate(ctx context.Context, res pool.Resource) error {
	d.record("activate")
	return nil
}

func (d *scriptedDriver) NewChat(ctx context.Context, res pool.Resource) error {
	d.record("new_chat")
	return nil
}

func (d *scriptedDriver) Submit(ctx context.Context, res pool.Resource, prompt string) error {
	d.record("submit")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompts = append(d.prompts, prompt)
	return d.submitErr
}

func (d *scriptedDriver) Sample(ctx context.Context, res pool.Resource) (stabilize.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sampleErr != nil {
		return nil, d.sampleErr
	}
	if len(d.samples) == 0 {
		return stabilize.Sample{}, nil
	}
	i := d.sampled
	if i >= len(d.samples) {
		i = len(d.samples) - 1
	}
	d.sampled++
	return d.samples[i], nil
}

func (d *scriptedDriver) Generating(ctx context.Context, res pool.Resource) (bool, error) {
	return false, nil
}

func (d *scriptedDriver) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func fastTimings() stabilize.Options {
	return stabilize.Options{
		PollInterval: 2 * time.Millisecond,
		StableFor:    6 * time.Millisecond,
		MaxWait:      2 * time.Second,
	}
}

func newTestDispatcher(t *testing.T, drv Driver, opts ...Option) (*Dispatcher, *pool.Pool) {
	t.Helper()

	p := pool.New(tabFactory{}, pool.WithLogger(logging.Discard("pool")))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	reg := NewRegistry()
	require.NoError(t, reg.Register(Category{Name: "kimi", Driver: drv, Aliases: []string{"kimi-web"}}))

	opts = append([]Option{WithStabilize(fastTimings()), WithLogger(logging.Discard("dispatch"))}, opts...)
	return New(p, reg, opts...), p
}

func TestDispatch_ReturnsSettledReply(t *testing.T) {
	drv := &scriptedDriver{samples: []stabilize.Sample{
		{},
		{ChannelThought: "thinking"},
		{ChannelThought: "thinking", ChannelAnswer: "  Hello"},
		{ChannelThought: "thinking", ChannelAnswer: "  Hello world  "},
	}}
	d, p := newTestDispatcher(t, drv)

	res, err := d.Dispatch(context.Background(), "kimi", Task{Prompt: "hi", NewChat: true})
	require.NoError(t, err)

	assert.Equal(t, "kimi", res.Category)
	assert.Equal(t, "Hello world", res.Answer)
	assert.Equal(t, "thinking", res.Thought)
	assert.False(t, res.TimedOut)
	assert.NotEmpty(t, res.HandleID)
	assert.Equal(t, []string{"activate", "new_chat", "submit"}, drv.callLog())
	assert.Equal(t, []string{"hi"}, drv.prompts)

	assert.Equal(t, pool.Stats{Total: 1, InUse: 0, Available: 1}, p.Stats()["kimi"])
}

func TestDispatch_SkipsNewChatWhenNotRequested(t *testing.T) {
	drv := &scriptedDriver{samples: []stabilize.Sample{{ChannelAnswer: "ok"}}}
	d, _ := newTestDispatcher(t, drv)

	_, err := d.Dispatch(context.Background(), "KIMI", Task{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"activate", "submit"}, drv.callLog())
}

func TestDispatch_Validation(t *testing.T) {
	d, _ := newTestDispatcher(t, &scriptedDriver{})

	_, err := d.Dispatch(context.Background(), "kimi", Task{Prompt: "   "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = d.Dispatch(context.Background(), "gemini", Task{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestDispatch_EmptyReplyIsNoContent(t *testing.T) {
	drv := &scriptedDriver{}
	d, p := newTestDispatcher(t, drv, WithStabilize(stabilize.Options{
		PollInterval: 2 * time.Millisecond,
		StableFor:    4 * time.Millisecond,
		MaxWait:      30 * time.Millisecond,
	}))

	_, err := d.Dispatch(context.Background(), "kimi", Task{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNoContent)
	assert.Equal(t, 0, p.Stats()["kimi"].InUse)
}

func TestDispatch_TimedOutReplyIsPartial(t *testing.T) {
	drv := &growingDriver{}
	p := pool.New(tabFactory{}, pool.WithLogger(logging.Discard("pool")))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	reg := NewRegistry()
	require.NoError(t, reg.Register(Category{
		Name:   "deepseek",
		Driver: drv,
		Stabilize: stabilize.Options{
			PollInterval: 2 * time.Millisecond,
			MaxWait:      30 * time.Millisecond,
		},
	}))
	d := New(p, reg, WithStabilize(fastTimings()), WithLogger(logging.Discard("dispatch")))

	res, err := d.Dispatch(context.Background(), "deepseek", Task{Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.NotEmpty(t, res.Answer)
	assert.Less(t, res.Elapsed, time.Second)
}

// growingDriver never settles.
type growingDriver struct {
	scriptedDriver
	n int
}

func (g *growingDriver) Sample(ctx context.Context, res pool.Resource) (stabilize.Sample, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return stabilize.Sample{ChannelAnswer: strings.Repeat("a", g.n)}, nil
}

func TestDispatch_DriverErrorsReleaseHandle(t *testing.T) {
	boom := errors.New("input not found")
	drv := &scriptedDriver{submitErr: boom}
	d, p := newTestDispatcher(t, drv)

	_, err := d.Dispatch(context.Background(), "kimi", Task{Prompt: "hi"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, pool.Stats{Total: 1, InUse: 0, Available: 1}, p.Stats()["kimi"])

	drv.mu.Lock()
	drv.submitErr = nil
	drv.sampleErr = errors.New("detached")
	drv.mu.Unlock()

	_, err = d.Dispatch(context.Background(), "kimi", Task{Prompt: "hi"})
	assert.ErrorContains(t, err, "detached")
	assert.Equal(t, 0, p.Stats()["kimi"].InUse)
}

func TestDispatch_PoolErrorsPropagate(t *testing.T) {
	d, p := newTestDispatcher(t, &scriptedDriver{})
	require.NoError(t, p.Close(context.Background()))

	_, err := d.Dispatch(context.Background(), "kimi", Task{Prompt: "hi"})
	assert.ErrorIs(t, err, pool.ErrClosed)
}

func TestDispatch_SubmitIntervalSpacesPrompts(t *testing.T) {
	drv := &scriptedDriver{samples: []stabilize.Sample{{ChannelAnswer: "ok"}}}
	p := pool.New(tabFactory{}, pool.WithLogger(logging.Discard("pool")))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	reg := NewRegistry()
	require.NoError(t, reg.Register(Category{Name: "yuanbao", Driver: drv, SubmitInterval: 80 * time.Millisecond}))
	d := New(p, reg, WithStabilize(fastTimings()), WithLogger(logging.Discard("dispatch")))

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := d.Dispatch(context.Background(), "yuanbao", Task{Prompt: "hi"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestDispatch_RecordsMetricsAndSpan(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	drv := &scriptedDriver{samples: []stabilize.Sample{{ChannelAnswer: "ok"}}}
	d, _ := newTestDispatcher(t, drv, WithMetrics(m), WithTracerProvider(tp))

	_, err := d.Dispatch(context.Background(), "kimi", Task{Prompt: "hi"})
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), "kimi", Task{Prompt: ""})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("kimi", outcomeStable)))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch", spans[0].Name())

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "kimi", attrs["pantheon.category"].AsString())
	assert.False(t, attrs["pantheon.timed_out"].AsBool())
	assert.NotEmpty(t, attrs["pantheon.handle_id"].AsString())
}

func TestDispatch_ConcurrentCallersShareCapacity(t *testing.T) {
	drv := &scriptedDriver{samples: []stabilize.Sample{{ChannelAnswer: "ok"}}}
	p := pool.New(tabFactory{}, pool.WithCapacity(2), pool.WithLogger(logging.Discard("pool")))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	reg := NewRegistry()
	require.NoError(t, reg.Register(Category{Name: "lmarena", Driver: drv}))
	d := New(p, reg, WithStabilize(fastTimings()), WithLogger(logging.Discard("dispatch")))

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), "lmarena", Task{Prompt: "hi"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	stats := p.Stats()["lmarena"]
	assert.LessOrEqual(t, stats.Total, 2)
	assert.Equal(t, 0, stats.InUse)
}
