// Package testhelpers provides data builders for testing
package testhelpers

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mergedesk/mergedesk/internal/database"
)

var ticketSeq uint64

// ========================================
// Ticket Builder
// ========================================

// TicketBuilder builds Ticket instances for testing
type TicketBuilder struct {
	ticket database.Ticket
}

// NewTicketBuilder creates a new ticket builder with defaults
func NewTicketBuilder() *TicketBuilder {
	n := atomic.AddUint64(&ticketSeq, 1)
	return &TicketBuilder{
		ticket: database.Ticket{
			TicketNumber: fmt.Sprintf("TKT-%05d", n),
			Status:       database.TicketStatusOpen,
			Summary:      "Test ticket",
			Description:  "Test ticket description",
			Category:     "billing",
			Region:       "eu-west",
			Period:       "2026-08",
		},
	}
}

// WithNumber sets the ticket number
func (b *TicketBuilder) WithNumber(number string) *TicketBuilder {
	b.ticket.TicketNumber = number
	return b
}

// WithStatus sets the status
func (b *TicketBuilder) WithStatus(status database.TicketStatus) *TicketBuilder {
	b.ticket.Status = status
	return b
}

// WithSummary sets the summary
func (b *TicketBuilder) WithSummary(summary string) *TicketBuilder {
	b.ticket.Summary = summary
	return b
}

// WithDescription sets the description
func (b *TicketBuilder) WithDescription(desc string) *TicketBuilder {
	b.ticket.Description = desc
	return b
}

// WithCategory sets the category
func (b *TicketBuilder) WithCategory(category string) *TicketBuilder {
	b.ticket.Category = category
	return b
}

// WithTransactionRef sets the transaction reference
func (b *TicketBuilder) WithTransactionRef(ref string) *TicketBuilder {
	b.ticket.TransactionRef = ref
	return b
}

// WithAmount sets the disputed amount
func (b *TicketBuilder) WithAmount(amount string) *TicketBuilder {
	b.ticket.Amount = decimal.RequireFromString(amount)
	return b
}

// WithScope sets the region and period
func (b *TicketBuilder) WithScope(region, period string) *TicketBuilder {
	b.ticket.Region = region
	b.ticket.Period = period
	return b
}

// WithCluster sets the claiming cluster ID
func (b *TicketBuilder) WithCluster(clusterID uint) *TicketBuilder {
	b.ticket.ClusterID = &clusterID
	return b
}

// Build returns the constructed ticket
func (b *TicketBuilder) Build() database.Ticket {
	return b.ticket
}

// ========================================
// Cluster Builder
// ========================================

// ClusterBuilder builds Cluster instances for testing
type ClusterBuilder struct {
	cluster database.Cluster
}

// NewClusterBuilder creates a new cluster builder with defaults
func NewClusterBuilder() *ClusterBuilder {
	return &ClusterBuilder{
		cluster: database.Cluster{
			Status:     database.ClusterStatusPending,
			Confidence: database.ConfidenceMedium,
			Region:     "eu-west",
			Period:     "2026-08",
			Version:    1,
		},
	}
}

// WithStatus sets the status
func (b *ClusterBuilder) WithStatus(status database.ClusterStatus) *ClusterBuilder {
	b.cluster.Status = status
	return b
}

// WithConfidence sets the confidence
func (b *ClusterBuilder) WithConfidence(c database.Confidence) *ClusterBuilder {
	b.cluster.Confidence = c
	return b
}

// WithScope sets the region and period
func (b *ClusterBuilder) WithScope(region, period string) *ClusterBuilder {
	b.cluster.Region = region
	b.cluster.Period = period
	return b
}

// WithExpiresAt sets the expiry time
func (b *ClusterBuilder) WithExpiresAt(t time.Time) *ClusterBuilder {
	b.cluster.ExpiresAt = &t
	return b
}

// WithSignals sets the match signals
func (b *ClusterBuilder) WithSignals(signals database.JSONB) *ClusterBuilder {
	b.cluster.MatchSignals = signals
	return b
}

// Build returns the constructed cluster
func (b *ClusterBuilder) Build() database.Cluster {
	return b.cluster
}

// ========================================
// Merge Operation Builder
// ========================================

// MergeOperationBuilder builds MergeOperation instances for testing
type MergeOperationBuilder struct {
	op database.MergeOperation
}

// NewMergeOperationBuilder creates a new merge operation builder with defaults
func NewMergeOperationBuilder() *MergeOperationBuilder {
	now := time.Now()
	deadline := now.Add(24 * time.Hour)
	return &MergeOperationBuilder{
		op: database.MergeOperation{
			Behavior:       database.MergeBehaviorKeepLatest,
			Status:         database.MergeStatusCompleted,
			PriorStatuses:  database.StatusSnapshot{},
			PerformedBy:    "test-operator",
			PerformedAt:    now,
			RevertDeadline: &deadline,
			Version:        1,
		},
	}
}

// WithCluster sets the cluster ID
func (b *MergeOperationBuilder) WithCluster(clusterID uint) *MergeOperationBuilder {
	b.op.ClusterID = clusterID
	return b
}

// WithPrimary sets the primary ticket ID
func (b *MergeOperationBuilder) WithPrimary(ticketID uint) *MergeOperationBuilder {
	b.op.PrimaryTicketID = ticketID
	return b
}

// WithSecondaries sets the secondary ticket IDs
func (b *MergeOperationBuilder) WithSecondaries(ids ...uint) *MergeOperationBuilder {
	b.op.SecondaryTicketIDs = database.IDList(ids)
	return b
}

// WithBehavior sets the merge behavior
func (b *MergeOperationBuilder) WithBehavior(behavior database.MergeBehavior) *MergeOperationBuilder {
	b.op.Behavior = behavior
	return b
}

// WithStatus sets the status
func (b *MergeOperationBuilder) WithStatus(status database.MergeStatus) *MergeOperationBuilder {
	b.op.Status = status
	return b
}

// WithPriorStatus records a ticket's pre-merge status
func (b *MergeOperationBuilder) WithPriorStatus(ticketID uint, status database.TicketStatus) *MergeOperationBuilder {
	if b.op.PriorStatuses == nil {
		b.op.PriorStatuses = database.StatusSnapshot{}
	}
	b.op.PriorStatuses[ticketID] = status
	return b
}

// WithPerformedAt sets the merge timestamp
func (b *MergeOperationBuilder) WithPerformedAt(t time.Time) *MergeOperationBuilder {
	b.op.PerformedAt = t
	return b
}

// WithRevertDeadline sets the revert deadline
func (b *MergeOperationBuilder) WithRevertDeadline(t time.Time) *MergeOperationBuilder {
	b.op.RevertDeadline = &t
	return b
}

// Build returns the constructed merge operation
func (b *MergeOperationBuilder) Build() database.MergeOperation {
	return b.op
}
