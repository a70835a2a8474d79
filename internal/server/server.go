// Package server wires the HTTP surface of whisperapi: the OpenAI-style
// transcription endpoints, model listing, config echo, health probes, and
// the Prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/whisperapi/internal/admission"
	"github.com/MrWong99/whisperapi/internal/audio"
	"github.com/MrWong99/whisperapi/internal/config"
	"github.com/MrWong99/whisperapi/internal/health"
	"github.com/MrWong99/whisperapi/internal/observe"
	"github.com/MrWong99/whisperapi/internal/transcribe"
)

// shutdownGrace is how long in-flight requests get to finish after a
// shutdown signal before the listener is torn down.
const shutdownGrace = 15 * time.Second

// Server bundles the shared process state every handler needs: the
// effective config, the admission gate, the normalizer, and the
// transcription service.
type Server struct {
	cfg        *config.Config
	version    string
	gate       *admission.Gate
	normalizer *audio.Normalizer
	svc        *transcribe.Service
	metrics    *observe.Metrics
	health     *health.Handler

	fetchClient *http.Client
	scratchDir  string
	checkers    []health.Checker
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithMetrics overrides the metrics instance. Tests use this to read
// instruments back through a manual reader.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithFetchClient overrides the HTTP client used for URL ingress.
func WithFetchClient(c *http.Client) Option {
	return func(s *Server) { s.fetchClient = c }
}

// WithScratchDir overrides the per-request scratch directory.
func WithScratchDir(dir string) Option {
	return func(s *Server) { s.scratchDir = dir }
}

// WithReadyCheck registers an additional readiness checker on /readyz.
func WithReadyCheck(c health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, c) }
}

// New creates a Server from the effective config and the transcription
// service. The admission gate and normalizer are built here so handlers
// share one instance of each.
func New(cfg *config.Config, svc *transcribe.Service, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		version:     "dev",
		gate:        admission.NewGate(cfg.Server.MaxConcurrent, cfg.QueueWait()),
		svc:         svc,
		fetchClient: http.DefaultClient,
		scratchDir:  filepath.Join(os.TempDir(), "whisperapi"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.normalizer = audio.NewNormalizer(s.scratchDir)
	s.health = health.New(s.version, s.checkers...)
	return s
}

// Handler returns the complete HTTP handler: all routes, wrapped in CORS
// and the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /v1/config", s.handleConfig)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/models/{id}", s.handleModel)

	mux.HandleFunc("POST /v1/audio/transcriptions", s.handleTranscribe)
	mux.HandleFunc("POST /v1/audio/transcriptions/base64", s.handleTranscribeBase64)
	mux.HandleFunc("POST /v1/audio/transcriptions/url", s.handleTranscribeURL)

	return observe.Middleware(s.metrics)(cors(mux))
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests
// for up to shutdownGrace before returning.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen on %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down http server", "grace", shutdownGrace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// cors allows any origin, method, and header.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
