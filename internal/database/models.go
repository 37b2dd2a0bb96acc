package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// IDList is a JSON-encoded list of record IDs stored in a single column
type IDList []uint

// Scan implements the sql.Scanner interface
func (l *IDList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Contains reports whether id is present in the list
func (l IDList) Contains(id uint) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// StatusSnapshot maps ticket IDs to their status at a point in time.
// Stored as JSON so a revert can restore exact pre-merge values.
type StatusSnapshot map[uint]TicketStatus

// Scan implements the sql.Scanner interface
func (s *StatusSnapshot) Scan(value interface{}) error {
	if value == nil {
		*s = make(map[uint]TicketStatus)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface
func (s StatusSnapshot) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// TicketStatus represents the lifecycle status of a support ticket
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
	TicketStatusMerged     TicketStatus = "merged"
)

// ValidTicketStatus returns true if s is a known ticket status
func ValidTicketStatus(s TicketStatus) bool {
	switch s {
	case TicketStatusOpen, TicketStatusInProgress, TicketStatusResolved,
		TicketStatusClosed, TicketStatusMerged:
		return true
	}
	return false
}

// Ticket represents a customer support ticket.
// Tickets are created by the intake system; this service only mutates
// status, merged_into_id, cluster_id and the description (tagged note
// segments) during merge and revert.
type Ticket struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UUID           string          `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	TicketNumber   string          `gorm:"uniqueIndex;size:32;not null" json:"ticket_number"` // Human-facing number, e.g. "TKT-10482"
	Status         TicketStatus    `gorm:"type:varchar(20);not null;default:'open';index" json:"status"`
	ClusterID      *uint           `gorm:"index" json:"cluster_id,omitempty"`     // Claim by the cluster currently holding this ticket
	MergedIntoID   *uint           `gorm:"index" json:"merged_into_id,omitempty"` // Set only when status=merged
	Summary        string          `gorm:"type:varchar(255)" json:"summary"`
	Description    string          `gorm:"type:text" json:"description"`
	Category       string          `gorm:"type:varchar(64);index" json:"category"`
	TransactionRef string          `gorm:"type:varchar(64);index" json:"transaction_ref"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,2)" json:"amount"`
	Region         string          `gorm:"type:varchar(32);not null;index" json:"region"`
	Period         string          `gorm:"type:varchar(16);not null;index" json:"period"` // e.g. "2026-08"
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BeforeCreate hook to assign a UUID
func (t *Ticket) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	return nil
}

func (Ticket) TableName() string {
	return "tickets"
}

// ClusterStatus represents the lifecycle status of a duplicate cluster
type ClusterStatus string

const (
	ClusterStatusPending   ClusterStatus = "pending"
	ClusterStatusMerged    ClusterStatus = "merged"
	ClusterStatusDismissed ClusterStatus = "dismissed"
	ClusterStatusExpired   ClusterStatus = "expired"
)

// IsTerminal returns true for statuses with no outgoing transitions
func (s ClusterStatus) IsTerminal() bool {
	return s == ClusterStatusMerged || s == ClusterStatusDismissed || s == ClusterStatusExpired
}

// Confidence is the matcher-supplied likelihood that cluster members are
// true duplicates. Advisory only; never used to gate transitions.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ValidConfidence returns true if c is a known confidence level
func ValidConfidence(c Confidence) bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// Cluster represents a hypothesis that two or more tickets are duplicates.
// Membership is held on the tickets themselves (Ticket.ClusterID); a ticket
// may be claimed by at most one pending cluster at a time.
type Cluster struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	UUID          string        `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Status        ClusterStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Confidence    Confidence    `gorm:"type:varchar(10);not null" json:"confidence"`
	MatchSignals  JSONB         `gorm:"type:jsonb" json:"match_signals"` // Opaque matcher evidence (field matches, similarity scores)
	Region        string        `gorm:"type:varchar(32);not null;index" json:"region"`
	Period        string        `gorm:"type:varchar(16);not null;index" json:"period"`
	DismissReason string        `gorm:"type:text" json:"dismiss_reason,omitempty"`
	Version       uint          `gorm:"not null;default:1" json:"-"` // Optimistic concurrency token
	ExpiresAt     *time.Time    `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// BeforeCreate hook to assign a UUID
func (c *Cluster) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	return nil
}

func (Cluster) TableName() string {
	return "clusters"
}

// MergeBehavior controls how secondary ticket data is handled during a merge
type MergeBehavior string

const (
	// MergeBehaviorKeepLatest keeps the primary ticket's payload untouched
	MergeBehaviorKeepLatest MergeBehavior = "keep_latest"
	// MergeBehaviorCombineNotes appends each secondary's description to the
	// primary as a tagged segment, removable exactly on revert
	MergeBehaviorCombineNotes MergeBehavior = "combine_notes"
	// MergeBehaviorRetainAll links secondaries via merged_into_id only
	MergeBehaviorRetainAll MergeBehavior = "retain_all"
)

// ValidMergeBehavior returns true if b is a known merge behavior
func ValidMergeBehavior(b MergeBehavior) bool {
	return b == MergeBehaviorKeepLatest || b == MergeBehaviorCombineNotes || b == MergeBehaviorRetainAll
}

// MergeStatus represents the status of a merge operation
type MergeStatus string

const (
	MergeStatusCompleted MergeStatus = "completed"
	MergeStatusReverted  MergeStatus = "reverted"
)

// MergeOperation records one merge of a cluster into its primary ticket.
// Created atomically with the cluster's transition to merged; mutated at
// most once, by a revert within the deadline.
type MergeOperation struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	UUID               string         `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	ClusterID          uint           `gorm:"not null;index" json:"cluster_id"`
	PrimaryTicketID    uint           `gorm:"not null;index" json:"primary_ticket_id"`
	SecondaryTicketIDs IDList         `gorm:"type:jsonb" json:"secondary_ticket_ids"`
	Behavior           MergeBehavior  `gorm:"type:varchar(20);not null" json:"behavior"`
	Status             MergeStatus    `gorm:"type:varchar(20);not null;default:'completed';index" json:"status"`
	PriorStatuses      StatusSnapshot `gorm:"type:jsonb" json:"-"` // Pre-merge ticket statuses, consumed by revert
	PerformedBy        string         `gorm:"type:varchar(64);not null" json:"performed_by"`
	PerformedAt        time.Time      `gorm:"not null" json:"performed_at"`
	RevertDeadline     *time.Time     `gorm:"index" json:"revert_deadline,omitempty"`
	RevertedAt         *time.Time     `json:"reverted_at,omitempty"`
	RevertedBy         string         `gorm:"type:varchar(64)" json:"reverted_by,omitempty"`
	RevertReason       string         `gorm:"type:text" json:"revert_reason,omitempty"`
	Version            uint           `gorm:"not null;default:1" json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// BeforeCreate hook to assign a UUID
func (m *MergeOperation) BeforeCreate(tx *gorm.DB) error {
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	return nil
}

func (MergeOperation) TableName() string {
	return "merge_operations"
}

// TicketSet returns the primary and secondary ticket IDs touched by the merge
func (m *MergeOperation) TicketSet() IDList {
	set := make(IDList, 0, len(m.SecondaryTicketIDs)+1)
	set = append(set, m.PrimaryTicketID)
	set = append(set, m.SecondaryTicketIDs...)
	return set
}

// IsRevertible reports whether the operation can still be reverted at now
func (m *MergeOperation) IsRevertible(now time.Time) bool {
	if m.Status != MergeStatusCompleted {
		return false
	}
	if m.RevertDeadline == nil {
		return true
	}
	return !now.After(*m.RevertDeadline)
}

// NoteSegment records one block of text appended to a primary ticket's
// description by a combine_notes merge. The tag marks the segment boundaries
// so a revert removes exactly this text and nothing else.
type NoteSegment struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	TicketID         uint      `gorm:"not null;index" json:"ticket_id"` // Ticket holding the appended text (the primary)
	MergeOperationID uint      `gorm:"not null;index" json:"merge_operation_id"`
	SourceTicketID   uint      `gorm:"not null" json:"source_ticket_id"`
	Tag              string    `gorm:"uniqueIndex;size:36;not null" json:"tag"`
	Content          string    `gorm:"type:text;not null" json:"content"` // Exact appended text, separators included
	CreatedAt        time.Time `json:"created_at"`
}

func (NoteSegment) TableName() string {
	return "note_segments"
}
