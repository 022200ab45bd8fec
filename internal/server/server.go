package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Brownie44l1/fer-api/internal/config"
	"github.com/Brownie44l1/fer-api/internal/handlers"
	"github.com/Brownie44l1/fer-api/internal/logging"
)

// RequestTimeout bounds one request, including the wait for a cold model.
const RequestTimeout = 2 * time.Minute

// Server serves the prediction API.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

func NewServer(cfg config.ServerConfig, h *handlers.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	logger = logger.With("component", "server")

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(RequestTimeout))
	r.Use(CORS(cfg.AllowedOrigins))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/labels", h.Labels)
	r.Post("/predict", h.Predict)
	r.Post("/predict/image", h.PredictFromImage)
	r.Post("/predict/dataurl", h.PredictFromDataURL)

	return &Server{
		router: r,
		logger: logger,
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      RequestTimeout + 10*time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
