package handlers

import (
	"context"
	"net/http"
	"time"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/vectorstore"
)

// probeKey is looked up to check that the object store answers. It never exists.
const probeKey = "_health/probe"

// Pinger checks that the relational store answers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler handles HTTP requests for health checks.
type HealthHandler struct {
	db                 Pinger
	vectorStore        vectorstore.VectorStore
	objects            objectstore.ObjectStore
	probeCollection    string
	healthCheckTimeout time.Duration
}

// NewHealthHandler creates a new HealthHandler. probeCollection is the
// collection name used to check that the vector store answers; it need not exist.
func NewHealthHandler(db Pinger, vectorStore vectorstore.VectorStore, objects objectstore.ObjectStore, probeCollection string) *HealthHandler {
	return &HealthHandler{
		db:                 db,
		vectorStore:        vectorStore,
		objects:            objects,
		probeCollection:    probeCollection,
		healthCheckTimeout: 5 * time.Second,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	// Overall health status: "healthy" or "unhealthy"
	Status string `json:"status"`

	Timestamp string `json:"timestamp"`

	// Individual check results
	Checks map[string]string `json:"checks"`

	// Only present when unhealthy
	Issues []string `json:"issues,omitempty"`
}

// ServeHTTP handles GET /healthz.
// Returns 200 OK if healthy, 503 Service Unavailable otherwise.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodGet {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string)
	var issues []string
	for _, c := range []struct {
		name  string
		check func(context.Context) error
	}{
		{"database", h.db.PingContext},
		{"vector_store", h.checkVectorStore},
		{"object_store", h.checkObjectStore},
	} {
		if err := c.check(checkCtx); err != nil {
			logger.WarnContext(ctx, "health check failed", "check", c.name, "error", err)
			checks[c.name] = "error"
			issues = append(issues, c.name+"_unavailable")
			continue
		}
		checks[c.name] = "ok"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if len(issues) > 0 {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(ctx, w, httpStatus, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Issues:    issues,
	})
}

func (h *HealthHandler) checkVectorStore(ctx context.Context) error {
	_, err := h.vectorStore.CollectionExists(ctx, h.probeCollection)
	return err
}

func (h *HealthHandler) checkObjectStore(ctx context.Context) error {
	_, err := h.objects.Exists(ctx, probeKey)
	return err
}
