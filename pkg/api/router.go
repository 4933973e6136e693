package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/pkg/api/handlers"
	"github.com/bozonx/mediastore/pkg/config"
	"github.com/bozonx/mediastore/pkg/metrics"
	"github.com/bozonx/mediastore/pkg/service"
)

// NewRouter wires the chi router: middleware stack, the /api/v1 file
// surface and the operational endpoints.
//
// Downloads and uploads stream large bodies, so the request timeout
// middleware guards only the JSON endpoints; the streaming ones rely on
// the server's read/write timeouts.
func NewRouter(cfg *config.Config, svc *service.Service, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h := handlers.New(cfg, svc)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/files", func(r chi.Router) {
			// Streaming endpoints, no request timeout.
			r.Post("/", h.Upload)
			r.Get("/{id}/download", h.Download)
			r.Get("/{id}/thumbnail", h.Thumbnail)

			r.Group(func(r chi.Router) {
				if cfg.Server.RequestTimeout > 0 {
					r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
				}
				r.Post("/from-url", h.UploadFromURL)
				r.Post("/bulk-delete", h.BulkDelete)
				r.Get("/", h.List)
				r.Get("/problems", h.Problems)
				r.Get("/{id}", h.Get)
				r.Get("/{id}/exif", h.Exif)
				r.Delete("/{id}", h.Delete)
			})
		})
	})

	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, m.Handler())
	}

	return r
}

// requestLogger logs request start at debug and completion at info with
// the request id, status and timing.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyStatus, ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDurationMs, logger.Duration(start),
		)
	})
}
