package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rendis/tradegate/internal/engine"
	"github.com/rendis/tradegate/internal/scheduler"
	"github.com/rendis/tradegate/internal/streaming"
	"github.com/rendis/tradegate/internal/validation"
)

// DefaultHeartbeat is the SSE keep-alive comment interval.
const DefaultHeartbeat = 15 * time.Second

// Config controls the HTTP listener.
type Config struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	Heartbeat    time.Duration `koanf:"heartbeat"`
}

// FanOutStats reports hub counters for the health endpoint.
// *streaming.FanOut satisfies it.
type FanOutStats interface {
	Stats() streaming.Stats
}

// WatchlistReporter exposes scheduler watch state.
type WatchlistReporter interface {
	Watches() []scheduler.WatchStatus
}

// Deps holds the dependencies for the HTTP host. Executor is required.
type Deps struct {
	Executor  engine.Executor
	FanOut    FanOutStats
	Watchlist WatchlistReporter
	Validator *validation.RequestValidator
	Logger    *slog.Logger
}

// Server is the HTTP host for sessions, approvals and the event stream.
type Server struct {
	cfg       Config
	executor  engine.Executor
	fanout    FanOutStats
	watchlist WatchlistReporter
	validator *validation.RequestValidator
	logger    *slog.Logger
	router    chi.Router
	httpSrv   *http.Server
}

// NewServer builds the router. It does not start listening.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewRequestValidator()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}

	s := &Server{
		cfg:       cfg,
		executor:  deps.Executor,
		fanout:    deps.FanOut,
		watchlist: deps.Watchlist,
		validator: deps.Validator,
		logger:    deps.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "tradegate-http")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/trade", s.handleStart)
		r.Get("/sessions/{id}", s.handleStatus)
		r.Post("/sessions/{id}/resume", s.handleResume)
		r.Get("/sessions/{id}/history", s.handleHistory)
		r.Get("/approvals", s.handlePending)
		r.Post("/approvals/{id}", s.handleRespond)
		r.Get("/watchlist", s.handleWatchlist)
	})

	r.Get("/sse/events", s.handleSSE)
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

// requestLogger logs one line per request with the chi request ID.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("http_request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
