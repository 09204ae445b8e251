package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/entrhq/pantheon/pkg/dispatch"
	"github.com/entrhq/pantheon/pkg/pool"
	"github.com/entrhq/pantheon/pkg/stabilize"
)

// ErrNotAPage is returned when a driver is handed a resource that did not
// come from a TabFactory.
var ErrNotAPage = errors.New("resource is not a browser page")

// Selectors locate a chat site's controls. All values are CSS selectors.
type Selectors struct {
	// Input is the prompt box. Required.
	Input string `yaml:"input"`

	// Send is clicked to submit. When empty, Enter is pressed in Input.
	Send string `yaml:"send,omitempty"`

	// Message matches assistant messages; the last match is the reply. Required.
	Message string `yaml:"message"`

	// Thought matches the reasoning block inside a message.
	Thought string `yaml:"thought,omitempty"`

	// Answer matches the answer body inside a message. When empty or
	// unmatched the whole message minus the thought is the answer.
	Answer string `yaml:"answer,omitempty"`

	// Generating lists indicators shown while a reply is streaming.
	Generating []string `yaml:"generating,omitempty"`

	// NewChat starts a new conversation. When empty or absent the page is
	// reloaded instead.
	NewChat string `yaml:"new_chat,omitempty"`
}

// Validate checks that the required selectors are set.
func (s Selectors) Validate() error {
	if strings.TrimSpace(s.Input) == "" {
		return errors.New("input selector is required")
	}
	if strings.TrimSpace(s.Message) == "" {
		return errors.New("message selector is required")
	}
	return nil
}

// Site describes one chat backend.
type Site struct {
	Name      string
	URL       string
	Selectors Selectors
}

// SiteDriver operates a chat site through its configured selectors.
type SiteDriver struct {
	site Site
	home *url.URL

	mu sync.Mutex
	// baseline is the message count seen before the last submit on a page,
	// so earlier replies in the same conversation are not sampled.
	baseline map[Page]int
}

var _ dispatch.Driver = (*SiteDriver)(nil)

// NewSiteDriver validates site and returns its driver.
func NewSiteDriver(site Site) (*SiteDriver, error) {
	if err := site.Selectors.Validate(); err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}
	home, err := url.Parse(site.URL)
	if err != nil || home.Host == "" {
		return nil, fmt.Errorf("site %s: invalid url %q", site.Name, site.URL)
	}
	return &SiteDriver{
		site:     site,
		home:     home,
		baseline: make(map[Page]int),
	}, nil
}

func asPage(res pool.Resource) (Page, error) {
	p, ok := res.(Page)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotAPage, res)
	}
	return p, nil
}

// Activate brings the tab to the front and returns it to the site if it has
// navigated elsewhere.
func (d *SiteDriver) Activate(ctx context.Context, res pool.Resource) error {
	p, err := asPage(res)
	if err != nil {
		return err
	}
	if err := p.Focus(ctx); err != nil {
		return err
	}

	cur, err := url.Parse(p.URL())
	if err == nil && strings.EqualFold(cur.Host, d.home.Host) {
		return nil
	}
	debugLog.Infof("[%s] tab drifted to %q, returning to %s", d.site.Name, p.URL(), d.site.URL)
	d.forget(p)
	return p.Navigate(ctx, d.site.URL)
}

// NewChat clicks the new-chat control, or reloads the page when the site has
// none.
func (d *SiteDriver) NewChat(ctx context.Context, res pool.Resource) error {
	p, err := asPage(res)
	if err != nil {
		return err
	}
	d.forget(p)

	if sel := d.site.Selectors.NewChat; sel != "" {
		n, err := p.Count(ctx, sel)
		if err != nil {
			return err
		}
		if n > 0 {
			return p.Click(ctx, sel)
		}
		debugLog.Debugf("[%s] new chat control %q not found, reloading", d.site.Name, sel)
	}
	return p.Reload(ctx)
}

// Submit fills the prompt box and sends it.
func (d *SiteDriver) Submit(ctx context.Context, res pool.Resource, prompt string) error {
	p, err := asPage(res)
	if err != nil {
		return err
	}
	sel := d.site.Selectors

	before, err := p.Count(ctx, sel.Message)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.baseline[p] = before
	d.mu.Unlock()

	if err := p.Fill(ctx, sel.Input, prompt); err != nil {
		return err
	}
	if sel.Send != "" {
		return p.Click(ctx, sel.Send)
	}
	return p.Press(ctx, sel.Input, "Enter")
}

// Sample reads the newest reply. Until a message newer than the last submit
// appears the sample is empty.
func (d *SiteDriver) Sample(ctx context.Context, res pool.Resource) (stabilize.Sample, error) {
	p, err := asPage(res)
	if err != nil {
		return nil, err
	}
	sel := d.site.Selectors

	d.mu.Lock()
	before := d.baseline[p]
	d.mu.Unlock()

	n, err := p.Count(ctx, sel.Message)
	if err != nil {
		return nil, err
	}
	if n <= before {
		return stabilize.Sample{}, nil
	}

	html, err := p.LastHTML(ctx, sel.Message)
	if err != nil {
		return nil, err
	}
	ch, err := ExtractChannels(html, sel.Thought, sel.Answer)
	if err != nil {
		return nil, err
	}
	return stabilize.Sample{
		dispatch.ChannelThought: ch.Thought,
		dispatch.ChannelAnswer:  ch.Answer,
	}, nil
}

// Generating reports whether any generation indicator is present.
func (d *SiteDriver) Generating(ctx context.Context, res pool.Resource) (bool, error) {
	p, err := asPage(res)
	if err != nil {
		return false, err
	}
	for _, sel := range d.site.Selectors.Generating {
		n, err := p.Count(ctx, sel)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Forget drops per-page state. Hook it to the tab factory's destroy hook.
func (d *SiteDriver) Forget(p Page) {
	d.forget(p)
}

func (d *SiteDriver) forget(p Page) {
	d.mu.Lock()
	delete(d.baseline, p)
	d.mu.Unlock()
}
