package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/promptchain/server/internal/agent/graph/breaker"
	"github.com/promptchain/server/internal/agent/model"
	logx "github.com/promptchain/server/pkg/logger"
)

// Pipeline is the part of the graph runner the HTTP surface needs.
type Pipeline interface {
	NewRun(req model.ChainRequest) (*model.ChainState, error)
	Invoke(ctx context.Context, s *model.ChainState) (*model.ChainResult, error)
	Stream(ctx context.Context, s *model.ChainState) (*schema.StreamReader[*model.Event], error)
	ModelName() string
	Breaker() *breaker.Breaker
}

type Config struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	APIKeys         []string      `envconfig:"API_KEYS"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

type Server struct {
	Router   *chi.Mux
	config   Config
	pipeline Pipeline
	// usage is nil when the ledger is disabled
	usage model.UsageRepository
	now   func() time.Time
}

func New(cfg Config, pipeline Pipeline, usage model.UsageRepository) *Server {
	s := &Server{
		Router:   chi.NewRouter(),
		config:   cfg,
		pipeline: pipeline,
		usage:    usage,
		now:      time.Now,
	}
	if s.config.MaxBodyBytes <= 0 {
		s.config.MaxBodyBytes = 1 << 20
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "promptchain")
	})

	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKeys))
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleModels)
		r.Get("/v1/usage/{user}", s.handleUsage)
	})

	return s
}

// Start serves until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info().Int("port", s.config.Port).Msg("starting server")
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

	logx.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
