package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/pantheon/pkg/logging"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("pool")
	if err != nil {
		debugLog.Warnf("Failed to initialize pool logger, using stderr fallback: %v", err)
	}
}

// Default pool limits.
const (
	DefaultCapacity    = 3
	DefaultIdleTimeout = 5 * time.Minute
)

// Factory constructs and destroys the resources behind handles.
// The pool never holds its lock while calling a Factory.
type Factory interface {
	// Create opens a new resource bound to category.
	Create(ctx context.Context, category string) (Resource, error)

	// Destroy releases a resource previously returned by Create.
	Destroy(category string, res Resource) error
}

// Stats is a point-in-time view of one category.
type Stats struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithCapacity sets the maximum number of handles per category.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithIdleTimeout sets how long a released handle may sit idle before
// ReclaimIdle may destroy it.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithClock replaces time.Now for last-used bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMetrics exports pool activity to m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithLogger replaces the package logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// Pool hands out exclusive access to per-category resources, creating at
// most capacity resources per category and reusing idle ones first.
type Pool struct {
	factory     Factory
	capacity    int
	idleTimeout time.Duration
	now         func() time.Time
	metrics     *Metrics
	log         *logging.Logger

	mu         sync.Mutex
	categories map[string]*categoryPool
	closed     bool
	changed    chan struct{}
}

// categoryPool is one category's handles in creation order.
type categoryPool struct {
	handles  []*Handle
	creating int

	// wake is closed and replaced whenever a handle or slot frees up.
	wake chan struct{}
}

func newCategoryPool() *categoryPool {
	return &categoryPool{wake: make(chan struct{})}
}

func (c *categoryPool) notify() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *categoryPool) idle() *Handle {
	for _, h := range c.handles {
		if !h.inUse {
			return h
		}
	}
	return nil
}

func (c *categoryPool) remove(h *Handle) bool {
	for i, candidate := range c.handles {
		if candidate == h {
			c.handles = append(c.handles[:i], c.handles[i+1:]...)
			return true
		}
	}
	return false
}

func (c *categoryPool) contains(h *Handle) bool {
	for _, candidate := range c.handles {
		if candidate == h {
			return true
		}
	}
	return false
}

func (c *categoryPool) stats() Stats {
	s := Stats{Total: len(c.handles)}
	for _, h := range c.handles {
		if h.inUse {
			s.InUse++
		}
	}
	s.Available = s.Total - s.InUse
	return s
}

// New creates a pool backed by factory.
func New(factory Factory, opts ...Option) *Pool {
	p := &Pool{
		factory:     factory,
		capacity:    DefaultCapacity,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		log:         debugLog,
		categories:  make(map[string]*categoryPool),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log.Infof("Pool initialized: %d sessions per category, idle timeout %s", p.capacity, p.idleTimeout)
	return p
}

// Capacity returns the per-category handle limit.
func (p *Pool) Capacity() int {
	return p.capacity
}

// IdleTimeout returns the idle duration after which handles become reclaimable.
func (p *Pool) IdleTimeout() time.Duration {
	return p.idleTimeout
}

func (p *Pool) categoryLocked(name string) *categoryPool {
	c, ok := p.categories[name]
	if !ok {
		c = newCategoryPool()
		p.categories[name] = c
	}
	return c
}

// signalLocked wakes Close while it drains.
func (p *Pool) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Acquire returns an idle handle for category, creating one if the category
// is below capacity, and otherwise blocks until a handle is released.
//
// Waiters are not served in FIFO order. The wait ends early only when ctx is
// done or the pool is closed.
func (p *Pool) Acquire(ctx context.Context, category string) (*Handle, error) {
	if category == "" {
		return nil, ErrInvalidCategory
	}
	start := time.Now()

	p.mu.Lock()
	waited := false
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		c := p.categoryLocked(category)
		if h := c.idle(); h != nil {
			h.inUse = true
			h.lastUsed = p.now()
			p.metrics.observeStats(category, c.stats())
			p.mu.Unlock()

			if waited {
				p.log.Debugf("Reusing %s session %s after wait", category, h.id)
			} else {
				p.log.Debugf("Reusing %s session %s", category, h.id)
			}
			p.metrics.observeAcquire(category, time.Since(start))
			return h, nil
		}

		if len(c.handles)+c.creating < p.capacity {
			c.creating++
			p.mu.Unlock()
			return p.create(ctx, category, start)
		}

		wake := c.wake
		p.mu.Unlock()

		if !waited {
			p.log.Debugf("%s sessions at capacity (%d), waiting for release", category, p.capacity)
			waited = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}

		p.mu.Lock()
	}
}

// create runs the factory for a slot reserved by Acquire.
func (p *Pool) create(ctx context.Context, category string, start time.Time) (*Handle, error) {
	res, err := p.factory.Create(ctx, category)

	p.mu.Lock()
	c := p.categoryLocked(category)
	if err != nil {
		c.creating--
		c.notify()
		p.signalLocked()
		p.mu.Unlock()

		p.metrics.recordCreateError(category)
		p.log.Errorf("Failed to create %s session: %v", category, err)
		return nil, fmt.Errorf("%w for %q: %w", ErrCreate, category, err)
	}

	if p.closed {
		p.mu.Unlock()
		p.destroy(category, res)

		p.mu.Lock()
		c.creating--
		p.signalLocked()
		p.mu.Unlock()
		return nil, ErrClosed
	}

	c.creating--
	h := newHandle(p, category, res, p.now())
	c.handles = append(c.handles, h)
	total := len(c.handles)
	p.metrics.observeStats(category, c.stats())
	p.mu.Unlock()

	p.metrics.recordCreated(category)
	p.metrics.observeAcquire(category, time.Since(start))
	p.log.Infof("Created %s session %s (%d/%d)", category, h.id, total, p.capacity)
	return h, nil
}

// Release marks h idle and wakes any waiters for its category. Releasing a
// handle that is already idle, or that the pool no longer tracks, does nothing.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.pool != p {
		return
	}

	p.mu.Lock()
	c, ok := p.categories[h.category]
	if !ok || !h.inUse || !c.contains(h) {
		p.mu.Unlock()
		return
	}
	h.inUse = false
	h.lastUsed = p.now()

	if p.closed {
		c.remove(h)
		p.mu.Unlock()

		p.destroy(h.category, h.resource)
		p.log.Debugf("Destroyed %s session %s released after close", h.category, h.id)

		p.mu.Lock()
		p.signalLocked()
		p.mu.Unlock()
		return
	}

	c.notify()
	p.metrics.observeStats(h.category, c.stats())
	p.mu.Unlock()

	p.log.Debugf("Released %s session %s", h.category, h.id)
}

// With acquires a handle for category, runs fn with it and releases it on
// every exit path, including a panic in fn.
func (p *Pool) With(ctx context.Context, category string, fn func(*Handle) error) error {
	h, err := p.Acquire(ctx, category)
	if err != nil {
		return err
	}
	defer p.Release(h)

	return fn(h)
}

// ReclaimIdle destroys handles idle for longer than the idle timeout. Each
// category keeps at least one handle. Destroy failures are logged, never
// returned. It returns the number of handles removed.
func (p *Pool) ReclaimIdle() int {
	var victims []*Handle

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	now := p.now()
	for name, c := range p.categories {
		var candidates []*Handle
		for _, h := range c.handles {
			if !h.inUse && now.Sub(h.lastUsed) > p.idleTimeout {
				candidates = append(candidates, h)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		if len(candidates) == len(c.handles) {
			keep := 0
			for i, h := range candidates {
				if h.lastUsed.After(candidates[keep].lastUsed) {
					keep = i
				}
			}
			candidates = append(candidates[:keep], candidates[keep+1:]...)
		}
		if len(candidates) == 0 {
			continue
		}

		for _, h := range candidates {
			c.remove(h)
		}
		c.notify()
		p.metrics.observeStats(name, c.stats())
		victims = append(victims, candidates...)
	}
	p.mu.Unlock()

	for _, h := range victims {
		p.destroy(h.category, h.resource)
		p.metrics.recordReclaimed(h.category)
		p.log.Infof("Reclaimed idle %s session %s", h.category, h.id)
	}
	return len(victims)
}

// Reap runs ReclaimIdle every interval until ctx is done.
func (p *Pool) Reap(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = p.idleTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.ReclaimIdle(); n > 0 {
				p.log.Debugf("Reaper reclaimed %d idle sessions", n)
			}
		}
	}
}

// Stats returns a snapshot of every category seen so far.
func (p *Pool) Stats() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Stats, len(p.categories))
	for name, c := range p.categories {
		out[name] = c.stats()
	}
	return out
}

// Close stops handing out handles and destroys the pool's resources. Idle
// handles are destroyed immediately; in-use handles are destroyed as they are
// released. If ctx ends first, the remaining handles are destroyed anyway and
// the context error is returned. Calling Close again is a no-op.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var idle []*Handle
	for _, c := range p.categories {
		for _, h := range append([]*Handle(nil), c.handles...) {
			if !h.inUse {
				c.remove(h)
				idle = append(idle, h)
			}
		}
		c.notify()
	}
	p.mu.Unlock()

	for _, h := range idle {
		p.destroy(h.category, h.resource)
	}
	p.log.Infof("Pool closing: destroyed %d idle sessions", len(idle))

	for {
		p.mu.Lock()
		busy := 0
		for _, c := range p.categories {
			busy += len(c.handles) + c.creating
		}
		changed := p.changed
		p.mu.Unlock()

		if busy == 0 {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			forced := p.takeAll()
			for _, h := range forced {
				p.destroy(h.category, h.resource)
			}
			p.log.Warnf("Pool closed with %d sessions still in use", len(forced))
			return fmt.Errorf("pool closed with %d sessions in use: %w", len(forced), ctx.Err())
		}
	}
}

func (p *Pool) takeAll() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	var all []*Handle
	for _, c := range p.categories {
		all = append(all, c.handles...)
		c.handles = nil
	}
	return all
}

func (p *Pool) destroy(category string, res Resource) {
	if err := p.factory.Destroy(category, res); err != nil {
		p.metrics.recordDestroyError(category)
		p.log.Warnf("Failed to destroy %s session: %v", category, err)
	}
}
