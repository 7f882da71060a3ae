package handlers

import (
	"context"
	"net/http"
	"time"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/reconcile"
	"docpipeline/internal/storage"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context) *reconcile.Report
}

// OutboxStatter reports outbox table counts.
type OutboxStatter interface {
	Stats(ctx context.Context, now time.Time) (storage.OutboxStats, error)
}

// OpsHandler handles the operational endpoints.
type OpsHandler struct {
	reconciler Reconciler
	outbox     OutboxStatter
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(reconciler Reconciler, outbox OutboxStatter) *OpsHandler {
	return &OpsHandler{reconciler: reconciler, outbox: outbox}
}

// OutboxStatsResponse is returned by GET /api/outbox/stats.
type OutboxStatsResponse struct {
	Pending      int `json:"pending"`
	Leased       int `json:"leased"`
	Processed    int `json:"processed"`
	DeadLettered int `json:"dead_lettered"`
}

// Reconcile handles POST /api/reconcile. The pass runs on the request and its
// report is returned; anomalies are not an error.
func (h *OpsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "reconciliation triggered via API")

	rep := h.reconciler.Run(ctx)
	status := http.StatusOK
	if len(rep.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(ctx, w, status, rep)
}

// OutboxStats handles GET /api/outbox/stats.
func (h *OpsHandler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.outbox.Stats(ctx, time.Now().UTC())
	if err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to read outbox stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read outbox stats")
		return
	}
	writeJSON(ctx, w, http.StatusOK, OutboxStatsResponse{
		Pending:      stats.Pending,
		Leased:       stats.Leased,
		Processed:    stats.Processed,
		DeadLettered: stats.DeadLettered,
	})
}
