package handlers

import (
	"io"
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/events"
)

// EventsHandler publishes payment events and serves refresh flags.
type EventsHandler struct {
	bus *events.Bus
}

func NewEventsHandler(bus *events.Bus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", h.Publish)
	mux.HandleFunc("GET /api/events/last", h.LastEvent)
	mux.HandleFunc("GET /api/refresh", h.ListRefresh)
	mux.HandleFunc("GET /api/refresh/{category}", h.GetRefresh)
	mux.HandleFunc("DELETE /api/refresh/{category}", h.ClearRefresh)
}

// Publish handles POST /api/events. The body is a tagged event such as
// {"type":"payment:full_completed","feeId":"f1",...}.
func (h *EventsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	e, err := events.Decode(body)
	if err != nil {
		writeError(w, err)
		return
	}
	e = h.bus.Publish(r.Context(), e)
	raw, err := events.Marshal(e)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInternal, "encode event", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write(raw)
}

// LastEvent handles GET /api/events/last.
func (h *EventsHandler) LastEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.bus.LastEvent(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := events.Marshal(e)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInternal, "encode event", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func category(w http.ResponseWriter, r *http.Request) (events.Category, bool) {
	c := events.Category(r.PathValue("category"))
	if !c.Valid() {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   string(apperrors.ErrNotFound),
			"message": "unknown category " + string(c),
		})
		return "", false
	}
	return c, true
}

// ListRefresh handles GET /api/refresh.
func (h *EventsHandler) ListRefresh(w http.ResponseWriter, r *http.Request) {
	out := map[events.Category]int64{}
	for c, at := range h.bus.Flags().All(r.Context()) {
		out[c] = at.UnixMilli()
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRefresh handles GET /api/refresh/{category}.
func (h *EventsHandler) GetRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := category(w, r)
	if !ok {
		return
	}
	at, needed := h.bus.Flags().IsRefreshNeeded(r.Context(), c)
	resp := map[string]interface{}{
		"category": c,
		"needed":   needed,
	}
	if needed {
		resp["requested_at"] = at.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearRefresh handles DELETE /api/refresh/{category}, called after a view reloaded.
func (h *EventsHandler) ClearRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := category(w, r)
	if !ok {
		return
	}
	if err := h.bus.Flags().Clear(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
