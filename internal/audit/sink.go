// Package audit delivers lifecycle transition events to external sinks.
//
// Audit delivery is fire-and-observe: a failed Record never rolls back the
// state transition it describes. Callers log delivery failures as warnings.
package audit

import (
	"context"
	"time"
)

// Event types emitted by the lifecycle engines.
const (
	EventClusterCreated       = "cluster_created"
	EventClusterDismissed     = "cluster_dismissed"
	EventClusterMemberRemoved = "cluster_member_removed"
	EventClusterExpired       = "cluster_expired"
	EventMergeCompleted       = "merge_completed"
	EventMergeReverted        = "merge_reverted"
)

// Outcomes recorded with each event.
const (
	OutcomeSuccess = "success"
)

// Event is one recorded state transition
type Event struct {
	Type         string                 `json:"type"`
	ActorID      string                 `json:"actor_id"`
	ResourceType string                 `json:"resource_type"` // "cluster", "merge_operation"
	ResourceID   string                 `json:"resource_id"`
	RelatedIDs   []string               `json:"related_ids,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Outcome      string                 `json:"outcome"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// Sink records audit events for compliance
type Sink interface {
	Record(ctx context.Context, event Event) error
}
