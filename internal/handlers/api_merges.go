package handlers

import (
	"net/http"

	"github.com/mergedesk/mergedesk/internal/api"
	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/services"
)

// handleListMerges handles GET /api/merges
func (h *APIHandler) handleListMerges(w http.ResponseWriter, r *http.Request) {
	from, to := parseTimeRange(r)
	filter := services.MergeFilter{
		Status: database.MergeStatus(r.URL.Query().Get("status")),
		From:   from,
		To:     to,
	}

	params := api.ParsePagination(r)
	ops, total, err := h.mergeEngine.ListMergeOperations(r.Context(), filter, params.PerPage, params.Offset())
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to list merge operations")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PaginatedResponse{
		Data: ops,
		Pagination: api.PaginationMeta{
			Page:       params.Page,
			PerPage:    params.PerPage,
			Total:      total,
			TotalPages: params.TotalPages(total),
		},
	})
}

// handleGetMerge handles GET /api/merges/{uuid}
func (h *APIHandler) handleGetMerge(w http.ResponseWriter, r *http.Request) {
	op, err := h.mergeEngine.GetMergeOperationByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, op)
}

// handleCheckConflicts handles GET /api/merges/{uuid}/conflicts
func (h *APIHandler) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	op, err := h.mergeEngine.GetMergeOperationByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	conflicts, err := h.revertEngine.CheckConflicts(r.Context(), op.ID)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []services.RevertConflict{}
	}
	api.RespondJSON(w, http.StatusOK, api.ConflictListResponse{
		MergeUUID: op.UUID,
		Conflicts: conflicts,
	})
}

// handleRevertMerge handles POST /api/merges/{uuid}/revert
func (h *APIHandler) handleRevertMerge(w http.ResponseWriter, r *http.Request) {
	op, err := h.mergeEngine.GetMergeOperationByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	var req api.RevertMergeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reverted, err := h.revertEngine.Revert(r.Context(), op.ID, req.Reason, actor(r))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, reverted)
}
