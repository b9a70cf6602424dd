package transport

import (
	"net/http"
	"time"

	"e2ee-messages/internal/authz"
	"e2ee-messages/internal/httpx"
	obsmw "e2ee-messages/internal/observability/middleware"
	"e2ee-messages/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	// Auth resolves the caller; every /v1 route sits behind it.
	Auth        func(http.Handler) http.Handler
	CORSOrigins []string
	RateLimit   int // requests per minute per IP, 0 disables
	Metrics     http.Handler
}

type Handler struct {
	svc *service.Service
}

func NewRouter(svc *service.Service, opts Options) http.Handler {
	h := &Handler{svc: svc}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(httpx.LogRequests)
	r.Use(chimw.Recoverer)
	r.Use(obsmw.WithMetrics)
	if opts.RateLimit > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", authz.PrivateKeyHeader},
			ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		r.Post("/messages", h.handleSend)
		r.Post("/messages/read", h.handleMarkRead)
		r.Delete("/messages/{messageID}", h.handleDelete)
		r.Get("/conversations", h.handleRecent)
		r.Get("/conversations/{counterpartID}", h.handleConversation)
		r.Put("/retention", h.handleRetention)
	})
	return r
}
