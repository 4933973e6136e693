// Package api provides the REST HTTP server fronting the media store
// service: upload, download, thumbnails, listings, deletion and the
// operational endpoints (health, problems, metrics).
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/pkg/config"
	"github.com/bozonx/mediastore/pkg/metrics"
	"github.com/bozonx/mediastore/pkg/service"
)

// Server is the media store's HTTP server. It supports graceful
// shutdown with a configurable timeout.
type Server struct {
	server          *http.Server
	config          config.ServerConfig
	shutdownTimeout time.Duration
	shutdownOnce    sync.Once
}

// NewServer creates the API server in a stopped state. Call Start to
// begin serving.
func NewServer(cfg *config.Config, svc *service.Service, m *metrics.Metrics) *Server {
	router := NewRouter(cfg, svc, m)

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		server: &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		config:          cfg.Server,
		shutdownTimeout: shutdownTimeout,
	}
}

// Start serves requests until the context is cancelled or the listener
// fails. Cancellation triggers graceful shutdown bounded by the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// A fresh context: the cancelled one would abort shutdown
		// immediately.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}
