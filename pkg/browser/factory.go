package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/pantheon/pkg/pool"
)

// DefaultLoadDelay is how long a new tab is given to run the site's scripts
// after navigation.
const DefaultLoadDelay = 2 * time.Second

// PageOpener opens blank tabs. *Runtime implements it.
type PageOpener interface {
	NewPage(ctx context.Context) (Page, error)
}

// TabFactory opens one tab per pooled handle, pointed at its category's site.
type TabFactory struct {
	opener    PageOpener
	urls      map[string]string
	loadDelay time.Duration
	onDestroy func(category string, p Page)
}

var _ pool.Factory = (*TabFactory)(nil)

// FactoryOption configures a TabFactory.
type FactoryOption func(*TabFactory)

// WithLoadDelay sets the settle time after navigation. Zero disables it.
func WithLoadDelay(d time.Duration) FactoryOption {
	return func(f *TabFactory) {
		if d >= 0 {
			f.loadDelay = d
		}
	}
}

// WithDestroyHook registers fn to run after a tab is closed.
func WithDestroyHook(fn func(category string, p Page)) FactoryOption {
	return func(f *TabFactory) {
		f.onDestroy = fn
	}
}

// NewTabFactory creates a factory opening tabs through opener. urls maps
// category names to their home page.
func NewTabFactory(opener PageOpener, urls map[string]string, opts ...FactoryOption) *TabFactory {
	f := &TabFactory{
		opener:    opener,
		urls:      make(map[string]string, len(urls)),
		loadDelay: DefaultLoadDelay,
	}
	for k, v := range urls {
		f.urls[k] = v
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create opens a tab on the category's site and waits for it to settle.
func (f *TabFactory) Create(ctx context.Context, category string) (pool.Resource, error) {
	home, ok := f.urls[category]
	if !ok {
		return nil, fmt.Errorf("no site configured for %q: %w", category, pool.ErrInvalidCategory)
	}

	p, err := f.opener.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.Navigate(ctx, home); err != nil {
		_ = p.Close()
		return nil, err
	}

	if f.loadDelay > 0 {
		t := time.NewTimer(f.loadDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			_ = p.Close()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	debugLog.Infof("[%s] opened tab at %s", category, p.URL())
	return p, nil
}

// Destroy closes the tab.
func (f *TabFactory) Destroy(category string, res pool.Resource) error {
	p, err := asPage(res)
	if err != nil {
		return err
	}
	err = p.Close()
	if f.onDestroy != nil {
		f.onDestroy(category, p)
	}
	if err != nil {
		return fmt.Errorf("failed to close tab: %w", err)
	}
	debugLog.Debugf("[%s] closed tab", category)
	return nil
}
