package handlers

import (
	"net/http"

	"github.com/mergedesk/mergedesk/internal/api"
	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/services"
)

// handleListClusters handles GET /api/clusters
func (h *APIHandler) handleListClusters(w http.ResponseWriter, r *http.Request) {
	scope := parseScope(r)
	from, to := parseTimeRange(r)
	filter := services.ClusterFilter{
		Status:     database.ClusterStatus(r.URL.Query().Get("status")),
		Confidence: database.Confidence(r.URL.Query().Get("confidence")),
		From:       from,
		To:         to,
	}

	params := api.ParsePagination(r)
	clusters, total, err := h.registry.ListClusters(r.Context(), scope, filter, params.PerPage, params.Offset())
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to list clusters")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PaginatedResponse{
		Data: clusters,
		Pagination: api.PaginationMeta{
			Page:       params.Page,
			PerPage:    params.PerPage,
			Total:      total,
			TotalPages: params.TotalPages(total),
		},
	})
}

// handleCreateCluster handles POST /api/clusters
func (h *APIHandler) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	var req api.CreateClusterRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	scope := services.ScopeKey{Region: req.Region, Period: req.Period}
	cluster, err := h.registry.CreateCluster(r.Context(), scope, req.TicketIDs,
		database.Confidence(req.Confidence), req.Signals, req.ExpiresAt, actor(r))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	members, err := h.registry.Members(r.Context(), cluster.ID)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load cluster members")
		return
	}
	api.RespondJSON(w, http.StatusCreated, api.ClusterToDetail(*cluster, members))
}

// handleGetCluster handles GET /api/clusters/{uuid}
func (h *APIHandler) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.registry.GetClusterByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	members, err := h.registry.Members(r.Context(), cluster.ID)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load cluster members")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.ClusterToDetail(*cluster, members))
}

// handleDismissCluster handles POST /api/clusters/{uuid}/dismiss
func (h *APIHandler) handleDismissCluster(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.registry.GetClusterByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	var req api.DismissClusterRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.registry.Dismiss(r.Context(), cluster.ID, req.Reason, actor(r))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, updated)
}

// handleRemoveMember handles POST /api/clusters/{uuid}/members/{ticketUUID}/remove
func (h *APIHandler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.registry.GetClusterByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	ticket, err := h.ticketService.GetTicketByUUID(r.Context(), r.PathValue("ticketUUID"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	// The returned cluster reflects an auto-dismiss if membership fell
	// below two, so the UI can re-render the new state directly.
	updated, err := h.registry.RemoveMember(r.Context(), cluster.ID, ticket.ID, actor(r))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, updated)
}

// handleMergeCluster handles POST /api/clusters/{uuid}/merge
func (h *APIHandler) handleMergeCluster(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.registry.GetClusterByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	var req api.MergeClusterRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	op, err := h.mergeEngine.Merge(r.Context(), cluster.ID, req.PrimaryTicketID,
		database.MergeBehavior(req.Behavior), actor(r))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, op)
}
