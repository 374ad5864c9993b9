// Package http serves the read-only reporting API over the warehouse.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"salesetl/internal/amqp"
	"salesetl/internal/core"
	"salesetl/internal/log"
	"salesetl/internal/storage"
)

// Warehouse is the read side of the store. *storage.Store satisfies it.
type Warehouse interface {
	Ping(ctx context.Context) error
	Facts(ctx context.Context, dim core.Dimension) ([]core.AggregateRow, error)
	Fact(ctx context.Context, dim core.Dimension, key string) (core.AggregateRow, error)
	Summary(ctx context.Context) (storage.Summary, error)
	Runs(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

// RateHistory is satisfied by *storage.RateStore.
type RateHistory interface {
	History(ctx context.Context, currency string, limit int) ([]core.ExchangeRate, error)
}

// RunRequester enqueues pipeline runs. *amqp.Client satisfies it.
type RunRequester interface {
	PublishRunRequest(ctx context.Context, msg *amqp.RunRequestedMessage) error
}

type Options struct {
	Warehouse Warehouse
	Rates     RateHistory
	// Runs is optional; without it POST /api/runs answers 503.
	Runs      RunRequester

	AllowedOrigins    []string
	RequestsPerMinute int
	Logger            *log.Logger
}

type Server struct {
	*http.Server
	warehouse Warehouse
	rates     RateHistory
	runs      RunRequester
	limiter   *rateLimiter
	metrics   securityMetrics
	logger    *log.Logger
}

func NewServer(addr string, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		warehouse: opts.Warehouse,
		rates:     opts.Rates,
		runs:      opts.Runs,
		limiter:   newRateLimiter(opts.RequestsPerMinute, 0),
		logger:    logger.WithComponent(log.ComponentHTTP),
	}
	s.Server = &http.Server{
		Addr:              addr,
		Handler:           s.routes(opts.AllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes(origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(log.Middleware(s.logger, middleware.GetReqID))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(s.guard)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/facts/{dimension}", s.handleFacts)
		r.Get("/facts/{dimension}/{key}", s.handleFact)
		r.Get("/summary", s.handleSummary)
		r.Get("/runs", s.handleRuns)
		r.Post("/runs", s.handleRequestRun)
		r.Get("/rates/{currency}/history", s.handleRateHistory)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	return r
}

// guard rejects probing requests and applies the per-client rate limit.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if detectSuspiciousRequest(r, &s.metrics) {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request rejected",
				log.FieldPath, r.URL.Path,
				"client_ip", extractClientIP(r))
			respondError(w, http.StatusBadRequest, "bad request")
			return
		}
		if !s.limiter.allow(extractClientIP(r), &s.metrics) {
			w.Header().Set("Retry-After", "60")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.stop()
	s.logger.InfoContext(ctx, "Shutting down HTTP server", log.FieldOperation, log.OpShutdown)
	return s.Server.Shutdown(ctx)
}
