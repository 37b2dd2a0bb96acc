package handlers

import (
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/middleware"
	"github.com/mergedesk/mergedesk/internal/services"
)

// APIHandler handles the operator API for clusters, merges, and tickets
type APIHandler struct {
	db            *gorm.DB
	registry      *services.ClusterRegistry
	mergeEngine   *services.MergeEngine
	revertEngine  *services.RevertEngine
	ticketService *services.TicketService
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(db *gorm.DB, registry *services.ClusterRegistry, mergeEngine *services.MergeEngine, revertEngine *services.RevertEngine, ticketService *services.TicketService) *APIHandler {
	return &APIHandler{
		db:            db,
		registry:      registry,
		mergeEngine:   mergeEngine,
		revertEngine:  revertEngine,
		ticketService: ticketService,
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Clusters
	mux.HandleFunc("GET /api/clusters", h.handleListClusters)
	mux.HandleFunc("POST /api/clusters", h.handleCreateCluster)
	mux.HandleFunc("GET /api/clusters/{uuid}", h.handleGetCluster)
	mux.HandleFunc("POST /api/clusters/{uuid}/dismiss", h.handleDismissCluster)
	mux.HandleFunc("POST /api/clusters/{uuid}/members/{ticketUUID}/remove", h.handleRemoveMember)
	mux.HandleFunc("POST /api/clusters/{uuid}/merge", h.handleMergeCluster)

	// Merge operations
	mux.HandleFunc("GET /api/merges", h.handleListMerges)
	mux.HandleFunc("GET /api/merges/{uuid}", h.handleGetMerge)
	mux.HandleFunc("GET /api/merges/{uuid}/conflicts", h.handleCheckConflicts)
	mux.HandleFunc("POST /api/merges/{uuid}/revert", h.handleRevertMerge)

	// Tickets (read-only)
	mux.HandleFunc("GET /api/tickets", h.handleListTickets)
	mux.HandleFunc("GET /api/tickets/{uuid}", h.handleGetTicket)

	// Settings
	mux.HandleFunc("GET /api/settings/dedupe", h.handleGetDedupeSettings)
	mux.HandleFunc("PUT /api/settings/dedupe", h.handleUpdateDedupeSettings)
}

// actor returns the authenticated operator performing the request
func actor(r *http.Request) string {
	if user := middleware.GetUserFromContext(r.Context()); user != "" {
		return user
	}
	return "operator"
}

// parseScope reads the explicit region/period scope from query parameters
func parseScope(r *http.Request) services.ScopeKey {
	q := r.URL.Query()
	return services.ScopeKey{
		Region: q.Get("region"),
		Period: q.Get("period"),
	}
}

// parseTimeRange reads from/to query parameters as unix timestamps
func parseTimeRange(r *http.Request) (time.Time, time.Time) {
	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		if ts, err := parseUnix(v); err == nil {
			from = ts
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if ts, err := parseUnix(v); err == nil {
			to = ts
		}
	}
	return from, to
}

func parseUnix(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}
