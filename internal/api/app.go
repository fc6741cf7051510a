package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-discuss/internal/auth"
	"github.com/npezzotti/go-discuss/internal/config"
	"github.com/npezzotti/go-discuss/internal/database"
	"github.com/npezzotti/go-discuss/internal/server"
	"github.com/rs/zerolog"
)

type DiscussApp struct {
	log            zerolog.Logger
	db             database.DiscussRepository
	srv            *http.Server
	cs             *server.ChatServer
	gate           *auth.Gate
	allowedOrigins []string
}

// NewDiscussApp wires the HTTP routes. metrics, when not nil, is served on
// /debug/vars.
func NewDiscussApp(logger zerolog.Logger, cs *server.ChatServer, db database.DiscussRepository, metrics http.Handler, cfg *config.Config) *DiscussApp {
	s := &DiscussApp{
		log:            logger.With().Str("component", "api").Logger(),
		db:             db,
		cs:             cs,
		gate:           auth.NewGate(cfg.SigningKey, db),
		allowedOrigins: cfg.AllowedOrigins,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	})

	r.Get("/healthz", s.healthCheck)
	if metrics != nil {
		r.Method(http.MethodGet, "/debug/vars", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/ws", s.serveWs)
		r.Get("/api/rooms/{roomId}/messages", s.getMessages)
	})

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(r)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *DiscussApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *DiscussApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
