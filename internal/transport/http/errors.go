package httptransport

import (
	"errors"
	"net/http"

	"slice-duel/internal/docstore"
	"slice-duel/internal/room"
)

// MapStoreError maps a store or session error to a status and error code.
func MapStoreError(err error) (int, string) {
	switch {
	case errors.Is(err, docstore.ErrInvalidPath):
		return http.StatusBadRequest, "invalid_path"
	case errors.Is(err, room.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_code"
	case errors.Is(err, room.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, docstore.ErrUnavailable),
		errors.Is(err, docstore.ErrClosed),
		errors.Is(err, room.ErrTransport):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
