package api

import (
	"errors"
	"net/http"

	"tasting/cmd/identity"
	"tasting/cmd/internal/auth/token"
	"tasting/cmd/internal/device"
	"tasting/cmd/internal/slot"
)

type conflictDetails struct {
	SlotID       int    `json:"slot_id"`
	OperatorName string `json:"operator_name"`
}

// isStoreFailure reports whether err is an infrastructure failure rather
// than a rejected credential.
func isStoreFailure(err error) bool {
	return err != nil && !errors.Is(err, token.ErrInvalidToken)
}

// writeServiceError maps domain errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		denied   *device.AccessDeniedError
		occupied *slot.SlotConflictError
	)
	switch {
	case errors.As(err, &denied):
		writeError(w, http.StatusForbidden, "access_denied", string(denied.Reason))
	case errors.Is(err, slot.ErrEvictionNotAuthorized), errors.Is(err, identity.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "administrator role required")
	case errors.As(err, &occupied):
		writeErrorDetails(w, http.StatusConflict, "slot_occupied", "slot is occupied", conflictDetails{
			SlotID:       occupied.SlotID,
			OperatorName: occupied.Holder.OperatorName,
		})
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, device.ErrStoreUnavailable), errors.Is(err, slot.ErrStoreUnavailable):
		h.log.Error("api.store.unavailable", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "registry unavailable, retry later")
	default:
		h.log.Error("api.request.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
