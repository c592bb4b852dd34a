// Package web serves the tracker's HTTP API: the OAuth registration flow,
// token issuing, per-user listening statistics and account administration.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/justestif/go-spotify-play-tracker/internal/auth"
	"github.com/justestif/go-spotify-play-tracker/internal/metrics"
	"github.com/justestif/go-spotify-play-tracker/internal/stats"
)

const (
	// DefaultAddr is the default server address.
	DefaultAddr = "127.0.0.1:8080"

	defaultTokenRateLimit = 10
)

// Config holds server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// TokenRateLimit is the number of POST /token requests allowed per
	// client IP and minute.
	TokenRateLimit int
}

// Deps are the services the handlers call.
type Deps struct {
	OAuth    OAuth
	Accounts Accounts
	Stats    *stats.Service
	Issuer   *auth.Issuer
}

// Server is the HTTP server for the tracker API.
type Server struct {
	cfg      Config
	router   chi.Router
	server   *http.Server
	handlers *Handlers
	logger   zerolog.Logger
}

// NewServer creates a new web server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.TokenRateLimit <= 0 {
		cfg.TokenRateLimit = defaultTokenRateLimit
	}

	logger = logger.With().Str("component", "web").Logger()

	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(deps),
		logger:   logger,
	}

	s.setupMiddleware()
	s.setupRoutes(deps.Issuer)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes(issuer *auth.Issuer) {
	h := s.handlers

	s.router.Get("/", h.Index)
	s.router.Handle("/metrics", metrics.Handler())

	// OAuth registration
	s.router.Get("/authorize", h.Authorize)
	s.router.Get("/callback", h.Callback)
	s.router.Post("/callback", h.Callback)

	s.router.With(httprate.LimitByIP(s.cfg.TokenRateLimit, time.Minute)).Post("/token", h.Token)

	s.router.Route("/user", func(r chi.Router) {
		r.Use(requireScope(issuer, auth.ScopeUser))
		r.Get("/me", h.Me)
		r.Get("/played-tracks", h.PlayedTracks)
		r.Get("/tracks", h.TopTracks)
		r.Get("/artists", h.TopArtists)
		r.Get("/audio-features", h.AudioFeatures)
		r.Get("/genres", h.Genres)
		r.Get("/moods", h.Moods)
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(requireScope(issuer, auth.ScopeAdmin))
		r.Get("/users", h.ListUsers)
		r.Post("/users/{id}/scopes", h.AddScopes)
		r.Delete("/users/{id}/scopes", h.RemoveScopes)
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("server started")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}
