// Package server exposes the dispatcher over an OpenAI-compatible HTTP API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/pantheon/pkg/dispatch"
	"github.com/entrhq/pantheon/pkg/logging"
	"github.com/entrhq/pantheon/pkg/pool"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("server")
	if err != nil {
		debugLog.Warnf("Failed to initialize server logger, using stderr fallback: %v", err)
	}
}

// Default HTTP limits.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultRequestTimeout    = 5 * time.Minute
)

// StatsSource reports pool occupancy. *pool.Pool implements it.
type StatsSource interface {
	Stats() map[string]pool.Stats
}

// Config configures a Server.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration

	// RequestTimeout bounds a chat request, pool wait included.
	RequestTimeout time.Duration

	// Registerer receives HTTP metrics and Gatherer is served on /metrics.
	// Both default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Logger *logging.Logger
}

// Server is the pantheon HTTP API.
type Server struct {
	dispatcher *dispatch.Dispatcher
	stats      StatsSource
	cfg        Config
	log        *logging.Logger
	started    time.Time

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	httpServer *http.Server
}

// New creates a server for d. stats may be nil.
func New(d *dispatch.Dispatcher, stats StatsSource, cfg Config) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		dispatcher: d,
		stats:      stats,
		cfg:        cfg,
		log:        debugLog,
		started:    time.Now(),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger
	}

	factory := promauto.With(cfg.Registerer)
	s.requests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pantheon",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
	s.latency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pantheon",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.instrument)

	router.Get("/", s.handleRoot)
	router.Get("/health", s.handleHealth)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	router.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Get("/pool/stats", s.handlePoolStats)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/chat/{category}", s.handleCategoryChat)
	})
	return router
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Infof("Listening on %s", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Infof("Listening on %s", l.Addr())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		s.log.Debugf("%s %s -> %d in %s", r.Method, r.URL.Path, status, time.Since(start))
	})
}
