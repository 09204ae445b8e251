package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/pantheon/pkg/logging"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("browser")
	if err != nil {
		debugLog.Warnf("Failed to initialize browser logger, using stderr fallback: %v", err)
	}
}

// ErrNotStarted is returned when a page is requested before Start.
var ErrNotStarted = errors.New("browser runtime not started")

// RuntimeConfig selects how the runtime attaches to a browser.
type RuntimeConfig struct {
	// CDPEndpoint attaches to an already running Chrome, for example
	// http://127.0.0.1:9222, reusing its logged-in profile.
	CDPEndpoint string

	// UserDataDir launches Chromium with a persistent profile directory.
	// Ignored when CDPEndpoint is set.
	UserDataDir string

	Headless bool

	// InstallDrivers downloads the playwright driver and browsers on Start.
	InstallDrivers bool
}

// Runtime owns the playwright driver and the browser context tabs open in.
type Runtime struct {
	cfg RuntimeConfig

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	started bool
}

// NewRuntime creates an unstarted runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	return &Runtime{cfg: cfg}
}

// Start runs the playwright driver and attaches to a browser.
// Calling Start on a started runtime is a no-op.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	// Driver output would interleave with the server's own logs.
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if r.cfg.InstallDrivers {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	if err := r.attach(pw); err != nil {
		_ = pw.Stop()
		return err
	}

	r.pw = pw
	r.started = true
	return nil
}

func (r *Runtime) attach(pw *playwright.Playwright) error {
	switch {
	case r.cfg.CDPEndpoint != "":
		b, err := pw.Chromium.ConnectOverCDP(r.cfg.CDPEndpoint)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", r.cfg.CDPEndpoint, err)
		}
		// The default context carries the profile's cookies.
		if contexts := b.Contexts(); len(contexts) > 0 {
			r.context = contexts[0]
		} else {
			ctx, err := b.NewContext()
			if err != nil {
				_ = b.Close()
				return fmt.Errorf("failed to create context: %w", err)
			}
			r.context = ctx
		}
		r.browser = b
		debugLog.Infof("Attached to browser over CDP at %s", r.cfg.CDPEndpoint)

	case r.cfg.UserDataDir != "":
		ctx, err := pw.Chromium.LaunchPersistentContext(r.cfg.UserDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
			Headless: playwright.Bool(r.cfg.Headless),
		})
		if err != nil {
			return fmt.Errorf("failed to launch persistent context: %w", err)
		}
		r.context = ctx
		debugLog.Infof("Launched persistent browser profile at %s", r.cfg.UserDataDir)

	default:
		b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(r.cfg.Headless),
		})
		if err != nil {
			return fmt.Errorf("failed to launch browser: %w", err)
		}
		ctx, err := b.NewContext()
		if err != nil {
			_ = b.Close()
			return fmt.Errorf("failed to create context: %w", err)
		}
		r.browser = b
		r.context = ctx
		debugLog.Infof("Launched browser (headless=%v)", r.cfg.Headless)
	}
	return nil
}

// NewPage opens a blank tab.
func (r *Runtime) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	bc := r.context
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil, ErrNotStarted
	}

	p, err := bc.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return newPage(p), nil
}

// Shutdown closes the browser context and stops the driver. When attached
// over CDP the user's browser is only disconnected, not closed.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false

	var errs []error
	if r.cfg.CDPEndpoint == "" && r.context != nil {
		if err := r.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if err := r.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
	}

	r.context = nil
	r.browser = nil
	r.pw = nil
	return errors.Join(errs...)
}
