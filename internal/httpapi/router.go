package httpapi

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/alerting"
	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/config"
	"github.com/jcolano/hiveboard-sub000/internal/ingestion"
	"github.com/jcolano/hiveboard-sub000/internal/metrics"
	"github.com/jcolano/hiveboard-sub000/internal/pricing"
	"github.com/jcolano/hiveboard-sub000/internal/query"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
	"github.com/jcolano/hiveboard-sub000/internal/streaming"
)

// Deps bundles every component the HTTP layer depends on. All fields
// except Metrics must be set; Metrics may be nil in tests that don't
// exercise /metrics.
type Deps struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Store     storage.Storage
	Pricing   *pricing.Engine
	Query     *query.Service
	Ingestion *ingestion.Pipeline
	Alerting  *alerting.Engine
	Streaming *streaming.Manager
	Auth      *auth.Middleware
	RateLimit *auth.RateLimiter
	Metrics   *metrics.Registry
}

// NewRouter builds the full chi Router: CORS -> security headers ->
// request id -> panic recovery -> request logging -> body size limit,
// then health/metrics endpoints (no auth), then the /v1 API tree
// (auth -> rate limit required).
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(d.Logger))
	r.Use(maxBodySize(d.Config.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "hiveboard"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "hiveboard"})
	})
	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.Handler().ServeHTTP)
	}

	h := &handlers{d: d}

	r.Route("/v1", func(r chi.Router) {
		r.Use(d.Auth.Authenticate)
		// /ingest is budgeted by the ingest tier alone.
		r.Use(func(next http.Handler) http.Handler {
			other := d.RateLimit.Other(next)
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/v1/ingest" {
					next.ServeHTTP(w, r)
					return
				}
				other.ServeHTTP(w, r)
			})
		})

		r.With(d.RateLimit.Ingest, d.Auth.RequireWrite).Post("/ingest", h.ingest)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{agentID}", h.getAgent)
		r.Get("/agents/{agentID}/pipeline", h.getAgentPipeline)
		r.Get("/pipeline", h.getFleetPipeline)

		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{taskID}/timeline", h.getTaskTimeline)

		r.Get("/events", h.listEvents)

		r.Get("/metrics", h.getMetrics)

		r.Get("/cost", h.getCostSummary)
		r.Get("/cost/calls", h.listLLMCalls)
		r.Get("/cost/timeseries", h.getCostTimeseries)
		r.Get("/llm-calls", h.listLLMCalls)

		r.Get("/projects", h.listProjects)
		r.With(d.Auth.RequireWrite).Post("/projects", h.createProject)
		r.Get("/projects/{projectID}", h.getProject)
		r.With(d.Auth.RequireWrite).Put("/projects/{projectID}", h.updateProject)
		r.With(d.Auth.RequireWrite).Delete("/projects/{projectID}", h.archiveProject)
		r.With(d.Auth.RequireWrite).Post("/projects/{projectID}/archive", h.archiveProject)
		r.With(d.Auth.RequireWrite).Post("/projects/{projectID}/unarchive", h.unarchiveProject)
		r.With(d.Auth.RequireWrite).Post("/projects/{projectID}/merge", h.mergeProject)
		r.Get("/projects/{projectID}/agents", h.listProjectAgents)
		r.With(d.Auth.RequireWrite).Post("/projects/{projectID}/agents", h.addProjectAgent)
		r.With(d.Auth.RequireWrite).Delete("/projects/{projectID}/agents/{agentID}", h.removeProjectAgent)

		r.Get("/alerts/rules", h.listAlertRules)
		r.With(d.Auth.RequireWrite).Post("/alerts/rules", h.createAlertRule)
		r.With(d.Auth.RequireWrite).Put("/alerts/rules/{ruleID}", h.updateAlertRule)
		r.With(d.Auth.RequireWrite).Delete("/alerts/rules/{ruleID}", h.deleteAlertRule)
		r.Get("/alerts/history", h.listAlertHistory)

		r.Get("/admin/pricing", h.listPricing)
		r.With(d.Auth.RequireWrite).Post("/admin/pricing", h.createPricing)
		r.With(d.Auth.RequireWrite).Put("/admin/pricing/{pattern}", h.updatePricing)
		r.With(d.Auth.RequireWrite).Delete("/admin/pricing/{pattern}", h.deletePricing)
	})

	// /v1/stream bypasses the Authenticate middleware chain: it
	// performs its own query-parameter token authentication
	// (WebSocket clients cannot set an Authorization header during
	// the handshake).
	r.Get("/v1/stream", h.stream)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("HIVEBOARD_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}
			if r.ContentLength > max {
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
