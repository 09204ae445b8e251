package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/entrhq/pantheon/pkg/pool"
	"github.com/entrhq/pantheon/pkg/stabilize"
)

// Channel names a Driver's samples are keyed by.
const (
	ChannelThought = "thought"
	ChannelAnswer  = "answer"
)

// Driver performs site-specific actions on a pooled tab. Implementations
// must not retain res beyond the call.
type Driver interface {
	// Activate makes the tab ready to receive input.
	Activate(ctx context.Context, res pool.Resource) error

	// NewChat starts a fresh conversation in the tab.
	NewChat(ctx context.Context, res pool.Resource) error

	// Submit enters prompt and sends it.
	Submit(ctx context.Context, res pool.Resource, prompt string) error

	// Sample reads the current reply, keyed by ChannelThought and
	// ChannelAnswer. A reply that has not appeared yet is an empty sample,
	// not an error.
	Sample(ctx context.Context, res pool.Resource) (stabilize.Sample, error)

	// Generating reports whether the site still shows a generation indicator.
	Generating(ctx context.Context, res pool.Resource) (bool, error)
}

// Category binds a pool category to the driver that operates its tabs.
type Category struct {
	Name   string
	Driver Driver

	// Aliases are extra model names that resolve to this category.
	Aliases []string

	// Stabilize overrides the dispatcher's default detector timings.
	// Zero fields fall back to the defaults.
	Stabilize stabilize.Options

	// SubmitInterval spaces consecutive submissions to the site. Zero
	// disables spacing.
	SubmitInterval time.Duration
}

type entry struct {
	Category
	limiter *rate.Limiter
}

// Model is one name accepted by Resolve.
type Model struct {
	ID       string `json:"id"`
	Category string `json:"category"`
}

// Registry maps category names and model aliases to drivers.
// It is built once at startup and read-only afterwards.
type Registry struct {
	entries map[string]*entry
	aliases map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		aliases: make(map[string]string),
	}
}

// Register adds a category. Names and aliases are case-insensitive and must
// be unique across the registry.
func (r *Registry) Register(c Category) error {
	name := normalize(c.Name)
	if name == "" {
		return fmt.Errorf("category name required: %w", pool.ErrInvalidCategory)
	}
	if c.Driver == nil {
		return fmt.Errorf("category %q has no driver", name)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("category %q already registered", name)
	}
	if _, ok := r.aliases[name]; ok {
		return fmt.Errorf("category %q already registered as an alias", name)
	}

	aliases := make([]string, 0, len(c.Aliases))
	for _, a := range c.Aliases {
		a = normalize(a)
		if a == "" || a == name {
			continue
		}
		if _, ok := r.entries[a]; ok {
			return fmt.Errorf("alias %q collides with a category", a)
		}
		if owner, ok := r.aliases[a]; ok {
			return fmt.Errorf("alias %q already used by %q", a, owner)
		}
		aliases = append(aliases, a)
	}
	for _, a := range aliases {
		r.aliases[a] = name
	}

	c.Name = name
	e := &entry{Category: c}
	if c.SubmitInterval > 0 {
		e.limiter = rate.NewLimiter(rate.Every(c.SubmitInterval), 1)
	}
	r.entries[name] = e
	return nil
}

// Resolve maps a category name or model alias to its category.
func (r *Registry) Resolve(model string) (string, bool) {
	name := normalize(model)
	if _, ok := r.entries[name]; ok {
		return name, true
	}
	if owner, ok := r.aliases[name]; ok {
		return owner, true
	}
	return "", false
}

// Categories returns the registered category names, sorted.
func (r *Registry) Categories() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models lists every category and alias, sorted by ID.
func (r *Registry) Models() []Model {
	models := make([]Model, 0, len(r.entries)+len(r.aliases))
	for name := range r.entries {
		models = append(models, Model{ID: name, Category: name})
	}
	for alias, owner := range r.aliases {
		models = append(models, Model{ID: alias, Category: owner})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

func (r *Registry) lookup(category string) (*entry, bool) {
	e, ok := r.entries[normalize(category)]
	return e, ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
