// Package api serves ChatPipe's HTTP surface: platform webhooks that feed the
// message queue, and operator endpoints for the queue, dead letters, sessions and
// providers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/queue"
)

// Default configuration values
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	// MaxWebhookBodyBytes bounds a webhook payload.
	MaxWebhookBodyBytes = 1 << 20
)

// QueueService is the queue surface used by the API.
type QueueService interface {
	Enqueue(ctx context.Context, msg models.QueuedMessage) (string, error)
	Get(ctx context.Context, id string) (*models.QueuedMessage, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// DeadLetterService is implemented by queue.DeadLetterProcessor.
type DeadLetterService interface {
	List(ctx context.Context, skip, take int) (queue.DeadLetterPage, error)
	Get(ctx context.Context, id string) (*models.DeadLetterMessage, error)
	Reprocess(ctx context.Context, id string) error
	ReprocessAll(ctx context.Context) (int, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
}

// SessionService is implemented by session.Manager.
type SessionService interface {
	GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// ProviderRegistry is implemented by messaging.Registry.
type ProviderRegistry interface {
	Get(platform string) (messaging.Provider, error)
	List() []messaging.Provider
	SetEnabled(platform string, enabled bool) error
}

// Ingester is implemented by messaging.Ingestor.
type Ingester interface {
	Ingest(ctx context.Context, p messaging.Provider, raw []byte) (messaging.IngestResult, error)
}

// WorkerStatus reports worker activity for the stats endpoint.
type WorkerStatus interface {
	InFlight() int
	Running() bool
}

// Deps are the components the server exposes.
type Deps struct {
	Queue       QueueService
	DeadLetters DeadLetterService
	Sessions    SessionService
	Providers   ProviderRegistry
	Ingestor    Ingester
	Worker      WorkerStatus // optional
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	PublicURL       string
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicURL sets the externally visible base URL used to rebuild signed webhook URLs.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = strings.TrimRight(u, "/") }
}

// WithShutdownTimeout bounds graceful shutdown of in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server is the ChatPipe HTTP server.
type Server struct {
	deps   Deps
	cfg    Opts
	router chi.Router
}

// NewServer builds the router over deps.
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if deps.Queue == nil || deps.DeadLetters == nil || deps.Sessions == nil || deps.Providers == nil || deps.Ingestor == nil {
		return nil, errors.New("api: queue, dead letters, sessions, providers and ingestor are required")
	}
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{deps: deps, cfg: cfg}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Post("/webhooks/{platform}", s.webhookHandler)
	r.Get("/webhooks/{platform}", s.webhookHandler)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", s.statsHandler)
		r.Get("/queue/{id}", s.queueEntryHandler)
		r.Post("/messages", s.enqueueOutgoingHandler)

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", s.listDeadLettersHandler)
			r.Delete("/", s.clearDeadLettersHandler)
			r.Post("/reprocess", s.reprocessAllDeadLettersHandler)
			r.Get("/{id}", s.getDeadLetterHandler)
			r.Delete("/{id}", s.deleteDeadLetterHandler)
			r.Post("/{id}/reprocess", s.reprocessDeadLetterHandler)
		})

		r.Get("/sessions/{id}", s.getSessionHandler)
		r.Post("/sessions/{id}/close", s.closeSessionHandler)

		r.Get("/providers", s.listProvidersHandler)
		r.Post("/providers/{platform}/enable", s.setProviderEnabledHandler(true))
		r.Post("/providers/{platform}/disable", s.setProviderEnabledHandler(false))
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Serve: shutting down", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	slog.Info("Server.Serve: stopped")
	return nil
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
