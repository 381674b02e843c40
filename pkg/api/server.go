package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/agentscm/pkg/audit"
	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
	"github.com/Mindburn-Labs/agentscm/pkg/observability"
	"github.com/Mindburn-Labs/agentscm/pkg/settlement"
	"github.com/Mindburn-Labs/agentscm/pkg/stream"
)

const (
	// MaxBodyBytes caps the POST /events body.
	MaxBodyBytes = 16 << 10

	DefaultEventsPerMinute = 30
	DefaultReadsPerMinute  = 120
	DefaultOrigin          = "http://localhost:3000"
)

// Settler runs the pipeline for one event.
type Settler interface {
	Process(ctx context.Context, ev delivery.Event) (settlement.Outcome, error)
}

// EntryReader reads the full audit history.
type EntryReader interface {
	ReadAll(ctx context.Context) ([]audit.Entry, error)
}

// ShipmentLister lists the known shipments.
type ShipmentLister interface {
	All() []delivery.Shipment
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	settler   Settler
	entries   EntryReader
	hub       *stream.Hub
	shipments ShipmentLister

	guard           *Guard
	origin          string
	replay          ReplayStore
	eventsPerMinute int
	readsPerMinute  int

	obs    *observability.Provider
	logger *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithGuard requires credentials on the protected routes.
func WithGuard(g *Guard) Option { return func(s *Server) { s.guard = g } }

// WithOrigin sets the single allowed CORS origin.
func WithOrigin(origin string) Option { return func(s *Server) { s.origin = origin } }

// WithReplayStore enables Idempotency-Key replay on POST /events.
func WithReplayStore(rs ReplayStore) Option { return func(s *Server) { s.replay = rs } }

func WithShipments(l ShipmentLister) Option { return func(s *Server) { s.shipments = l } }

// WithRateLimits overrides the per-IP budgets. Zero keeps the default.
func WithRateLimits(eventsPerMinute, readsPerMinute int) Option {
	return func(s *Server) {
		if eventsPerMinute > 0 {
			s.eventsPerMinute = eventsPerMinute
		}
		if readsPerMinute > 0 {
			s.readsPerMinute = readsPerMinute
		}
	}
}

func WithTelemetry(p *observability.Provider) Option { return func(s *Server) { s.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer builds the HTTP surface over the pipeline, the audit log and
// its broadcast hub.
func NewServer(settler Settler, entries EntryReader, hub *stream.Hub, opts ...Option) (*Server, error) {
	if settler == nil || entries == nil || hub == nil {
		return nil, fmt.Errorf("api: settler, entry reader and hub are required")
	}
	s := &Server{
		settler:         settler,
		entries:         entries,
		hub:             hub,
		origin:          DefaultOrigin,
		eventsPerMinute: DefaultEventsPerMinute,
		readsPerMinute:  DefaultReadsPerMinute,
		logger:          slog.Default(),
		closing:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = NewGuard("", "", "")
	}
	if s.obs == nil {
		p, err := observability.New(context.Background(), observability.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("api: telemetry: %w", err)
		}
		s.obs = p
	}
	s.logger = s.logger.With("component", "api")
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	eventsLimiter := NewRateLimiter(s.eventsPerMinute, "Too many requests, please slow down")
	readsLimiter := NewRateLimiter(s.readsPerMinute, "Too many requests")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(SecurityHeaders)
	r.Use(CORS(s.origin))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { WriteNotFound(w) })
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.With(readsLimiter.Middleware, s.track("shipments")).Get("/shipments", s.handleShipments)

	events := r.With(eventsLimiter.Middleware, s.guard.Middleware, s.track("events"))
	if s.replay != nil {
		events = events.With(IdempotencyMiddleware(s.replay, func(err error) {
			s.logger.Warn("idempotency store unavailable", "error", err)
		}))
	}
	events.Post("/events", s.handleEvent)

	r.With(readsLimiter.Middleware, s.guard.Middleware, s.track("logs")).Get("/logs", s.handleLogs)
	r.With(readsLimiter.Middleware, s.guard.Middleware, s.track("payments")).Get("/payments", s.handlePayments)
	r.With(s.guard.Middleware).Get("/logs/stream", s.handleStream)
	return r
}

// track wraps a route in a span and RED metrics. 5xx responses count as
// errors.
func (s *Server) track(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, done := s.obs.TrackOperation(r.Context(), "http."+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path))
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))
			var err error
			if sw.status >= 500 {
				err = fmt.Errorf("http status %d", sw.status)
			}
			done(err)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// ListenAndServe serves Handler on addr until ctx is done, then shuts down
// gracefully within grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srv.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// closeStreams ends every open event stream. Streams never go idle, so
// graceful shutdown has to end them explicitly.
func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}
