// File: internal/infra/web/server.go
package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"email-triage-pipeline/internal/usecase"
)

// Server is the admin/ops surface: ingestion, pipeline inspection, job
// control and pricing management. It is not exposed to end users.
type Server struct {
	analysisUC usecase.AnalysisUseCase
	queueUC    usecase.QueueUseCase
	batchUC    usecase.BatchJobUseCase
	pricingUC  usecase.PricingUseCase
	auth       *SessionManager
	apiKey     string
	log        *zerolog.Logger
}

func NewServer(
	analysisUC usecase.AnalysisUseCase,
	queueUC usecase.QueueUseCase,
	batchUC usecase.BatchJobUseCase,
	pricingUC usecase.PricingUseCase,
	auth *SessionManager,
	apiKey string,
	logger *zerolog.Logger,
) *Server {
	webLog := logger.With().Str("component", "AdminServer").Logger()
	return &Server{
		analysisUC: analysisUC,
		queueUC:    queueUC,
		batchUC:    batchUC,
		pricingUC:  pricingUC,
		auth:       auth,
		apiKey:     apiKey,
		log:        &webLog,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/api/v1/auth/login", s.handleLogin)
	r.Post("/api/v1/auth/logout", s.handleLogout)

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireAuth)
		pr.Get("/api/v1/stats", s.handleStats)
		pr.Post("/api/v1/items", s.handleIngest)
		pr.Get("/api/v1/items/{itemID}", s.handleGetItem)
		pr.Get("/api/v1/jobs", s.handleListJobs)
		pr.Get("/api/v1/jobs/{jobID}", s.handleGetJob)
		pr.Post("/api/v1/jobs/{jobID}/cancel", s.handleCancelJob)
		pr.Post("/api/v1/queue/flush", s.handleFlush)
		pr.Get("/api/v1/pricing", s.handleListPricing)
		pr.Put("/api/v1/pricing", s.handleSetPricing)
	})
	return r
}

// requireAuth admits either a minted admin session or the raw service API
// key, so both humans and automation can call the surface.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			s.log.Error().Msg("admin api key is not configured")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if bearerToken(r) == s.apiKey {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.auth.Verify(r); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(hdr) > len(prefix) && hdr[:len(prefix)] == prefix {
		return hdr[len(prefix):]
	}
	return ""
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
