package browser

import (
	"context"
	"fmt"
	"sync"
)

// fakePage is an in-memory Page. counts and html are keyed by selector.
type fakePage struct {
	mu     sync.Mutex
	url    string
	counts map[string]int
	html   map[string]string
	calls  []string
	failOn map[string]error
	closed bool
}

func newFakePage(url string) *fakePage {
	return &fakePage{
		url:    url,
		counts: make(map[string]int),
		html:   make(map[string]string),
		failOn: make(map[string]error),
	}
}

func (p *fakePage) do(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.failOn[call]
}

func (p *fakePage) set(selector string, count int, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[selector] = count
	p.html[selector] = html
}

func (p *fakePage) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if err := p.do("navigate " + url); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Reload(ctx context.Context) error {
	return p.do("reload")
}

func (p *fakePage) Focus(ctx context.Context) error {
	return p.do("focus")
}

func (p *fakePage) Fill(ctx context.Context, selector, text string) error {
	return p.do(fmt.Sprintf("fill %s %s", selector, text))
}

func (p *fakePage) Press(ctx context.Context, selector, key string) error {
	return p.do(fmt.Sprintf("press %s %s", selector, key))
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	return p.do("click " + selector)
}

func (p *fakePage) Count(ctx context.Context, selector string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failOn["count "+selector]; err != nil {
		return 0, err
	}
	return p.counts[selector], nil
}

func (p *fakePage) LastHTML(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html[selector], nil
}

func (p *fakePage) Close() error {
	if err := p.do("close"); err != nil {
		return err
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// fakeOpener hands out fakePages.
type fakeOpener struct {
	mu    sync.Mutex
	pages []*fakePage
	err   error
	setup func(*fakePage)
}

func (o *fakeOpener) NewPage(ctx context.Context) (Page, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	p := newFakePage("about:blank")
	if o.setup != nil {
		o.setup(p)
	}
	o.pages = append(o.pages, p)
	return p, nil
}
