package occupancy_api

import (
	"errors"
	"net/http"

	"ms-occupancy/internal/occupancy"
	"ms-occupancy/internal/utils"
)

// retryAfterSeconds is the back-off hint sent with 409 responses.
const retryAfterSeconds = "1"

// StatusFor maps a service error to an HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, occupancy.ErrBannedPatron):
		return http.StatusForbidden, "BANNED"
	case errors.Is(err, occupancy.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, occupancy.ErrAreaNotFound):
		return http.StatusNotFound, "AREA_NOT_FOUND"
	case errors.Is(err, occupancy.ErrInvalidDelta):
		return http.StatusBadRequest, "INVALID_DELTA"
	case errors.Is(err, occupancy.ErrInvalidScope):
		return http.StatusBadRequest, "INVALID_SCOPE"
	case errors.Is(err, occupancy.ErrStorageConflict):
		return http.StatusConflict, "STORAGE_CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// WriteServiceError writes the mapped error and returns the status used.
// Internal errors are not echoed to the client.
func WriteServiceError(w http.ResponseWriter, err error) int {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if status == http.StatusConflict {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	utils.SendError(w, status, code, msg)
	return status
}
