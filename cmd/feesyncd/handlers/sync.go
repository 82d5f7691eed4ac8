package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/feesync/internal/models"
	feesync "github.com/kimhsiao/feesync/internal/sync"
	"github.com/kimhsiao/feesync/internal/sync/queue"
)

// SyncHandler exposes the offline queue.
type SyncHandler struct {
	svc feesync.Service
}

func NewSyncHandler(svc feesync.Service) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Register mounts the /api/sync routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/state", h.GetState)
	mux.HandleFunc("GET /api/sync/operations", h.ListOperations)
	mux.HandleFunc("POST /api/sync/operations", h.Enqueue)
	mux.HandleFunc("GET /api/sync/operations/{id}", h.GetOperation)
	mux.HandleFunc("GET /api/sync/stats", h.GetStats)
	mux.HandleFunc("POST /api/sync/force", h.ForceSync)
	mux.HandleFunc("POST /api/sync/retry", h.RetryFailed)
	mux.HandleFunc("POST /api/sync/clear-failed", h.ClearFailed)
}

// GetState handles GET /api/sync/state.
func (h *SyncHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.State())
}

// ListOperations handles GET /api/sync/operations. ?status= filters by status.
func (h *SyncHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.svc.Operations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if status := models.OperationStatus(r.URL.Query().Get("status")); status != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if op.Status == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	if ops == nil {
		ops = []models.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"total":      len(ops),
	})
}

// GetOperation handles GET /api/sync/operations/{id}.
func (h *SyncHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.svc.Operation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type enqueueRequest struct {
	EntityType    models.EntityType    `json:"entity_type"`
	OperationType models.OperationType `json:"operation_type"`
	EntityID      string               `json:"entity_id"`
	Data          json.RawMessage      `json:"data"`
	Priority      string               `json:"priority"` // tier name or "1".."4"
	SchoolID      string               `json:"school_id"`
}

// Enqueue handles POST /api/sync/operations.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	id, err := h.svc.Enqueue(r.Context(), queue.EnqueueRequest{
		EntityType:    req.EntityType,
		OperationType: req.OperationType,
		EntityID:      req.EntityID,
		Data:          req.Data,
		Priority:      priority,
		SchoolID:      req.SchoolID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// GetStats handles GET /api/sync/stats.
func (h *SyncHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ForceSync handles POST /api/sync/force and returns the drain summary.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ForceSync(r.Context()))
}

// RetryFailed handles POST /api/sync/retry.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryFailedOperations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// ClearFailed handles POST /api/sync/clear-failed.
func (h *SyncHandler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearFailedOperations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
