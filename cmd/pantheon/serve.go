package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/pantheon/pkg/browser"
	"github.com/entrhq/pantheon/pkg/config"
	"github.com/entrhq/pantheon/pkg/dispatch"
	"github.com/entrhq/pantheon/pkg/logging"
	"github.com/entrhq/pantheon/pkg/pool"
	"github.com/entrhq/pantheon/pkg/server"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("main")
	if err != nil {
		debugLog.Warnf("Failed to initialize main logger, using stderr fallback: %v", err)
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "pantheon v%s listening on http://%s (log: %s)\n",
				version, cfg.Server.Addr, debugLog.LogPath())
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

// app is the wired object graph behind the server.
type app struct {
	registry   *dispatch.Registry
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	server     *server.Server
}

// buildApp wires categories from cfg to tabs opened through opener.
func buildApp(cfg *config.Config, opener browser.PageOpener, reg prometheus.Registerer, gatherer prometheus.Gatherer, tp trace.TracerProvider) (*app, error) {
	registry := dispatch.NewRegistry()
	drivers := make(map[string]*browser.SiteDriver)
	urls := make(map[string]string)

	for _, name := range cfg.EnabledCategories() {
		cat := cfg.Categories[name]
		drv, err := browser.NewSiteDriver(cat.Site(name))
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", name, err)
		}
		err = registry.Register(dispatch.Category{
			Name:           name,
			Driver:         drv,
			Aliases:        cat.Models,
			Stabilize:      cat.Stabilize.Options(),
			SubmitInterval: cat.SubmitInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", name, err)
		}
		drivers[name] = drv
		urls[name] = cat.URL
	}

	factory := browser.NewTabFactory(opener, urls,
		browser.WithLoadDelay(cfg.Browser.LoadDelay),
		browser.WithDestroyHook(func(category string, p browser.Page) {
			if drv, ok := drivers[category]; ok {
				drv.Forget(p)
			}
		}),
	)

	p := pool.New(factory,
		pool.WithCapacity(cfg.Pool.MaxTabsPerCategory),
		pool.WithIdleTimeout(cfg.Pool.IdleTimeout),
		pool.WithMetrics(pool.NewMetrics(reg)),
	)

	opts := []dispatch.Option{
		dispatch.WithStabilize(cfg.Stabilize.Options()),
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
	}
	if tp != nil {
		opts = append(opts, dispatch.WithTracerProvider(tp))
	}
	d := dispatch.New(p, registry, opts...)

	srv := server.New(d, p, server.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		RequestTimeout:    cfg.Server.RequestTimeout,
		Registerer:        reg,
		Gatherer:          gatherer,
	})

	return &app{registry: registry, pool: p, dispatcher: d, server: srv}, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	var tp trace.TracerProvider
	if cfg.Tracing.Enabled {
		provider, err := newTracerProvider(debugLog.Writer())
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				debugLog.Warnf("Tracer shutdown: %v", err)
			}
		}()
		tp = provider
	}

	rt := browser.NewRuntime(browser.RuntimeConfig{
		CDPEndpoint:    cfg.Browser.CDPEndpoint,
		UserDataDir:    cfg.Browser.UserDataDir,
		Headless:       cfg.Browser.Headless,
		InstallDrivers: cfg.Browser.InstallDrivers,
	})
	if err := rt.Start(); err != nil {
		return err
	}
	defer func() {
		if err := rt.Shutdown(); err != nil {
			debugLog.Warnf("Browser shutdown: %v", err)
		}
	}()

	a, err := buildApp(cfg, rt, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, tp)
	if err != nil {
		return err
	}
	debugLog.Infof("Serving categories %v", a.registry.Categories())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.ListenAndServe)
	g.Go(func() error {
		a.pool.Reap(gctx, cfg.Pool.ReapInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		debugLog.Infof("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(a.server.Shutdown(shutdownCtx), a.pool.Close(shutdownCtx))
	})
	return g.Wait()
}
