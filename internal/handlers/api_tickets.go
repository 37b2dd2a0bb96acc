package handlers

import (
	"net/http"

	"github.com/mergedesk/mergedesk/internal/api"
	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/services"
)

// handleListTickets handles GET /api/tickets
func (h *APIHandler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	scope := parseScope(r)
	from, to := parseTimeRange(r)
	filter := services.TicketFilter{
		Status: database.TicketStatus(r.URL.Query().Get("status")),
		From:   from,
		To:     to,
	}

	params := api.ParsePagination(r)
	tickets, total, err := h.ticketService.ListTickets(r.Context(), scope, filter, params.PerPage, params.Offset())
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to list tickets")
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PaginatedResponse{
		Data: tickets,
		Pagination: api.PaginationMeta{
			Page:       params.Page,
			PerPage:    params.PerPage,
			Total:      total,
			TotalPages: params.TotalPages(total),
		},
	})
}

// handleGetTicket handles GET /api/tickets/{uuid}
func (h *APIHandler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.ticketService.GetTicketByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, ticket)
}
