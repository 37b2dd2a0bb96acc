package api

import (
	"errors"
	"net/http"

	"github.com/mergedesk/mergedesk/internal/services"
)

// RespondServiceError translates a lifecycle-engine error into the matching
// HTTP status and machine-readable code. The wrapped message already names
// the entity and violated rule, so it is passed through verbatim.
func RespondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		RespondErrorWithCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, services.ErrInvalidCluster):
		RespondErrorWithCode(w, http.StatusUnprocessableEntity, "invalid_cluster", err.Error())
	case errors.Is(err, services.ErrInvalidTransition):
		RespondErrorWithCode(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, services.ErrRevertWindowExpired):
		RespondErrorWithCode(w, http.StatusConflict, "revert_window_expired", err.Error())
	case errors.Is(err, services.ErrConflict):
		RespondErrorWithCode(w, http.StatusConflict, "conflict", err.Error())
	default:
		RespondError(w, http.StatusInternalServerError, "Internal server error")
	}
}
