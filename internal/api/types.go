package api

import (
	"time"

	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/services"
)

// ========== Cluster Types ==========

// CreateClusterRequest is the request body for POST /api/clusters.
type CreateClusterRequest struct {
	TicketIDs  []uint         `json:"ticket_ids" validate:"required,min=2"`
	Confidence string         `json:"confidence" validate:"required,oneof=high medium low"`
	Signals    database.JSONB `json:"signals,omitempty"`
	Region     string         `json:"region" validate:"omitempty,max=32"`
	Period     string         `json:"period" validate:"omitempty,max=16"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// DismissClusterRequest is the request body for POST /api/clusters/:uuid/dismiss.
type DismissClusterRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=1024"`
}

// ClusterDetailResponse is a cluster with its current member tickets.
type ClusterDetailResponse struct {
	database.Cluster
	Members []database.Ticket `json:"members"`
}

// ========== Merge Types ==========

// MergeClusterRequest is the request body for POST /api/clusters/:uuid/merge.
type MergeClusterRequest struct {
	PrimaryTicketID uint   `json:"primary_ticket_id" validate:"required"`
	Behavior        string `json:"behavior" validate:"required,oneof=keep_latest combine_notes retain_all"`
}

// RevertMergeRequest is the request body for POST /api/merges/:uuid/revert.
type RevertMergeRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=1024"`
}

// ConflictListResponse is the response body for GET /api/merges/:uuid/conflicts.
type ConflictListResponse struct {
	MergeUUID string                    `json:"merge_uuid"`
	Conflicts []services.RevertConflict `json:"conflicts"`
}

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token string `json:"token"`
}

// ========== Settings Types ==========

// UpdateDedupeSettingsRequest is the request body for PUT /api/settings/dedupe.
type UpdateDedupeSettingsRequest struct {
	Enabled             *bool `json:"enabled,omitempty"`
	RevertWindowHours   *int  `json:"revert_window_hours,omitempty" validate:"omitempty,gt=0"`
	ClusterTTLHours     *int  `json:"cluster_ttl_hours,omitempty" validate:"omitempty,min=0"`
	ScanIntervalMinutes *int  `json:"scan_interval_minutes,omitempty" validate:"omitempty,gt=0"`
	MaxTicketsPerScan   *int  `json:"max_tickets_per_scan,omitempty" validate:"omitempty,gt=0"`
	SlackNotifications  *bool `json:"slack_notifications,omitempty"`
}
