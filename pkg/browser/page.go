package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// DefaultActionTimeout bounds a single page action when ctx has no deadline.
const DefaultActionTimeout = 30 * time.Second

// Page is the subset of a browser tab the drivers need.
// Every selector refers to a CSS selector evaluated in the tab's main frame.
type Page interface {
	// URL returns the tab's current location.
	URL() string

	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error

	// Focus brings the tab to the front of its window.
	Focus(ctx context.Context) error

	Fill(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector, key string) error
	Click(ctx context.Context, selector string) error

	// Count returns how many elements match selector.
	Count(ctx context.Context, selector string) (int, error)

	// LastHTML returns the outer HTML of the last element matching selector,
	// or "" when nothing matches.
	LastHTML(ctx context.Context, selector string) (string, error)

	Close() error
}

// pwPage adapts a playwright.Page to Page.
type pwPage struct {
	page playwright.Page
}

func newPage(p playwright.Page) *pwPage {
	return &pwPage{page: p}
}

// timeoutMillis converts the remaining ctx budget to a playwright timeout.
func timeoutMillis(ctx context.Context) *float64 {
	d := DefaultActionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
		if d < time.Millisecond {
			d = time.Millisecond
		}
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   timeoutMillis(ctx),
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (p *pwPage) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   timeoutMillis(ctx),
	})
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

func (p *pwPage) Focus(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.page.BringToFront(); err != nil {
		return fmt.Errorf("failed to bring tab to front: %w", err)
	}
	return nil
}

func (p *pwPage) Fill(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.page.Locator(selector).First().Fill(text, playwright.LocatorFillOptions{
		Timeout: timeoutMillis(ctx),
	})
	if err != nil {
		return fmt.Errorf("fill %q failed: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Press(ctx context.Context, selector, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.page.Locator(selector).First().Press(key, playwright.LocatorPressOptions{
		Timeout: timeoutMillis(ctx),
	})
	if err != nil {
		return fmt.Errorf("press %s on %q failed: %w", key, selector, err)
	}
	return nil
}

func (p *pwPage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: timeoutMillis(ctx),
	})
	if err != nil {
		return fmt.Errorf("click %q failed: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.page.Locator(selector).Count()
	if err != nil {
		return 0, fmt.Errorf("count %q failed: %w", selector, err)
	}
	return n, nil
}

func (p *pwPage) LastHTML(ctx context.Context, selector string) (string, error) {
	n, err := p.Count(ctx, selector)
	if err != nil || n == 0 {
		return "", err
	}

	v, err := p.page.Locator(selector).Last().Evaluate("el => el.outerHTML", nil, playwright.LocatorEvaluateOptions{
		Timeout: timeoutMillis(ctx),
	})
	if err != nil {
		return "", fmt.Errorf("read %q failed: %w", selector, err)
	}
	html, ok := v.(string)
	if !ok {
		return "", errors.New("outerHTML did not evaluate to a string")
	}
	return html, nil
}

func (p *pwPage) Close() error {
	if p.page.IsClosed() {
		return nil
	}
	return p.page.Close()
}
