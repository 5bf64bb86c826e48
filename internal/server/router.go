package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-ledger/common/httputil"
	"github.com/telhawk-systems/telhawk-ledger/common/logging"
	"github.com/telhawk-systems/telhawk-ledger/common/middleware"
	"github.com/telhawk-systems/telhawk-ledger/internal/handlers"
	"github.com/telhawk-systems/telhawk-ledger/internal/metrics"
)

// CORSConfig selects which browser origins may call the API.
type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         int
}

// NewRouter constructs a chi router with the ledger API routes registered.
func NewRouter(h *handlers.Handler, corsCfg CORSConfig, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(accessLog(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsCfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.HeaderRequestID},
		ExposedHeaders:   []string{middleware.HeaderRequestID, httputil.HeaderRawEventID},
		AllowCredentials: false,
		MaxAge:           corsCfg.MaxAge,
	}))

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/ingest", h.Ingest)
		r.Get("/events", h.ListEvents)
		r.Get("/events/{id}", h.GetEvent)
		r.Get("/normalized", h.ListNormalized)
		r.Get("/aggregates", h.Aggregates)
	})

	return r
}

// accessLog records one log line and the HTTP metrics per request, labelled
// by the matched chi route pattern.
func accessLog(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.WithContext(r.Context()).Debug("request served",
				logging.Method(r.Method),
				logging.Path(r.URL.Path),
				logging.Status(status),
				logging.Duration(elapsed.Milliseconds()),
			)
		})
	}
}
