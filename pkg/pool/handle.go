package pool

import (
	"time"

	"github.com/google/uuid"
)

// Resource is the underlying session a Handle wraps, typically a browser tab.
type Resource interface {
	// URL returns the resource's last known navigation target.
	URL() string
}

// Handle is the pool's unit of exclusive allocation. A handle is bound to
// one category for its whole lifetime.
type Handle struct {
	id       string
	category string
	resource Resource
	pool     *Pool

	// Guarded by pool.mu.
	inUse     bool
	createdAt time.Time
	lastUsed  time.Time
}

func newHandle(p *Pool, category string, res Resource, now time.Time) *Handle {
	return &Handle{
		id:        uuid.New().String(),
		category:  category,
		resource:  res,
		pool:      p,
		inUse:     true,
		createdAt: now,
		lastUsed:  now,
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string {
	return h.id
}

// Category returns the category the handle is bound to.
func (h *Handle) Category() string {
	return h.category
}

// Resource returns the wrapped resource.
func (h *Handle) Resource() Resource {
	return h.resource
}

// URL returns the bound URL of the wrapped resource.
func (h *Handle) URL() string {
	if h.resource == nil {
		return ""
	}
	return h.resource.URL()
}

// InUse reports whether the handle is currently acquired.
func (h *Handle) InUse() bool {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.inUse
}

// LastUsed returns when the handle was last acquired or released.
func (h *Handle) LastUsed() time.Time {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.lastUsed
}

// CreatedAt returns when the handle was created.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}
