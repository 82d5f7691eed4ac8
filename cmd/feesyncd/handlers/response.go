// Package handlers provides the REST API of the feesync daemon.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/logging"
)

// maxBodyBytes caps request bodies. Queue payloads are single records.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrReceiptSettingsMissing:
		return http.StatusNotFound
	case apperrors.ErrReceiptDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto a status code and a {"error","message"} body.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, map[string]string{
		"error":   string(code),
		"message": err.Error(),
	})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":   string(apperrors.ErrInvalid),
		"message": message,
	})
}

// decodeBody reads a JSON body into v, answering 400 itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
