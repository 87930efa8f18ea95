// Package server exposes a node's cache and health over an HTTP admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/gridcache/internal/node"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds admin API settings
type Config struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Server serves the admin API of one node
type Server struct {
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	node       *node.Node
	cache      *node.Cache
	logger     *zap.Logger
}

// NewServer builds the server and its routes
func NewServer(cfg Config, n *node.Node, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		node:   n,
		cache:  n.Cache(),
		logger: logger.Named("http"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := []mux.MiddlewareFunc{
		s.tagRequest,
		s.recoverPanics,
		s.logRequests,
		s.bound,
	}
	if s.cfg.RequestsPerSecond > 0 {
		chain = append(chain, s.limit(newThrottle(s.cfg.RequestsPerSecond, s.cfg.Burst)))
	}
	s.router.Use(chain...)

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.status).Methods(http.MethodGet)
	if reg := s.node.Registry(); reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/cache/{key}", s.get).Methods(http.MethodGet)
	v1.HandleFunc("/cache/{key}", s.put).Methods(http.MethodPut)
	v1.HandleFunc("/cache/{key}", s.remove).Methods(http.MethodDelete)
	v1.HandleFunc("/cache/{key}/peek", s.peek).Methods(http.MethodGet)
	v1.HandleFunc("/transaction", s.transact).Methods(http.MethodPost)
	v1.HandleFunc("/size", s.size).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.stats).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "INVALID_ARGUMENT", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
