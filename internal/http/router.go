package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docpipeline/internal/handlers"
	"docpipeline/internal/service"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Documents  service.DocumentService
	Health     http.Handler
	Reconciler handlers.Reconciler
	Outbox     handlers.OutboxStatter
	// RequestTimeout bounds every /api request. Zero disables the limit.
	RequestTimeout time.Duration
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	if deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", deps.Health)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	docs := handlers.NewDocumentHandler(deps.Documents)
	ops := handlers.NewOpsHandler(deps.Reconciler, deps.Outbox)

	r.Route("/api", func(r chi.Router) {
		if deps.RequestTimeout > 0 {
			r.Use(middleware.Timeout(deps.RequestTimeout))
		}

		r.Post("/knowledge-bases", docs.CreateKnowledgeBase)
		r.Delete("/knowledge-bases/{kbID}", docs.DeleteKnowledgeBase)
		r.Post("/knowledge-bases/{kbID}/documents", docs.Upload)

		r.Get("/documents/{docID}", docs.Get)
		r.Put("/documents/{docID}/content", docs.Replace)
		r.Post("/documents/{docID}/retry", docs.Retry)
		r.Post("/documents/{docID}/archive", docs.Archive)
		r.Delete("/documents/{docID}", docs.Delete)

		r.Post("/reconcile", ops.Reconcile)
		r.Get("/outbox/stats", ops.OutboxStats)
	})

	return r
}
