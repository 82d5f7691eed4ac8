package handlers

import (
	"net/http"

	"github.com/kimhsiao/feesync/internal/receipts"
)

// ReceiptsHandler issues receipt numbers and edits numbering settings.
type ReceiptsHandler struct {
	counter  *receipts.Counter
	settings receipts.SettingsStore
}

func NewReceiptsHandler(counter *receipts.Counter, settings receipts.SettingsStore) *ReceiptsHandler {
	return &ReceiptsHandler{counter: counter, settings: settings}
}

func (h *ReceiptsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/schools/{school}/receipt-settings", h.GetSettings)
	mux.HandleFunc("PUT /api/schools/{school}/receipt-settings", h.PutSettings)
	mux.HandleFunc("GET /api/schools/{school}/receipts/{kind}/next", h.Next)
	mux.HandleFunc("POST /api/schools/{school}/receipts/{kind}/reserve", h.Reserve)
	mux.HandleFunc("GET /api/schools/{school}/receipts/{kind}/issued", h.Check)
}

func kind(w http.ResponseWriter, r *http.Request) (receipts.Kind, bool) {
	k := receipts.Kind(r.PathValue("kind"))
	if !k.Valid() {
		badRequest(w, "kind must be fee or installment")
		return "", false
	}
	return k, true
}

// GetSettings handles GET /api/schools/{school}/receipt-settings.
func (h *ReceiptsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Get(r.Context(), r.PathValue("school"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PutSettings handles PUT /api/schools/{school}/receipt-settings.
func (h *ReceiptsHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var s receipts.Settings
	if !decodeBody(w, r, &s) {
		return
	}
	if s.ReceiptNumberCounter < 0 || s.InstallmentReceiptNumberCounter < 0 {
		badRequest(w, "counters must not be negative")
		return
	}
	if err := h.settings.Put(r.Context(), r.PathValue("school"), s); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Next handles GET /api/schools/{school}/receipts/{kind}/next. Nothing is reserved.
func (h *ReceiptsHandler) Next(w http.ResponseWriter, r *http.Request) {
	k, ok := kind(w, r)
	if !ok {
		return
	}
	number, err := h.counter.Next(r.Context(), r.PathValue("school"), k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"number": number})
}

// Reserve handles POST /api/schools/{school}/receipts/{kind}/reserve with
// an optional {"count": n} body (default 1).
func (h *ReceiptsHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	k, ok := kind(w, r)
	if !ok {
		return
	}
	req := struct {
		Count int `json:"count"`
	}{Count: 1}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Count <= 0 || req.Count > 1000 {
		badRequest(w, "count must be between 1 and 1000")
		return
	}
	numbers, err := h.counter.Reserve(r.Context(), r.PathValue("school"), k, req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"numbers": numbers})
}

// Check handles GET /api/schools/{school}/receipts/{kind}/issued?number=.
// Numbers travel in the query because year formats contain a slash.
func (h *ReceiptsHandler) Check(w http.ResponseWriter, r *http.Request) {
	k, ok := kind(w, r)
	if !ok {
		return
	}
	school, number := r.PathValue("school"), r.URL.Query().Get("number")
	if number == "" {
		badRequest(w, "number is required")
		return
	}
	issued, err := h.counter.IsDuplicate(r.Context(), school, k, number)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"number": number, "issued": issued}
	if s, err := h.settings.Get(r.Context(), school); err == nil {
		resp["valid_format"] = receipts.Validate(number, s, k)
	}
	writeJSON(w, http.StatusOK, resp)
}
