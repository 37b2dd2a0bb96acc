package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/audit"
	"github.com/mergedesk/mergedesk/internal/database"
)

// RevertEngine undoes a completed merge within its deadline, restoring the
// exact pre-merge ticket states and reopening the cluster.
//
// Later merges that touched the same tickets are never altered: their
// divergences are computed as conflicts and handed to the operator through
// the audit record and the advisory CheckConflicts call. Cascading reverts
// are deliberately not performed.
type RevertEngine struct {
	db       *gorm.DB
	detector *ConflictDetector
	sink     audit.Sink
}

// NewRevertEngine creates a new RevertEngine
func NewRevertEngine(db *gorm.DB, detector *ConflictDetector, sink audit.Sink) *RevertEngine {
	return &RevertEngine{db: db, detector: detector, sink: sink}
}

// CheckConflicts is the advisory pre-revert check. It never blocks a
// subsequent Revert.
func (e *RevertEngine) CheckConflicts(ctx context.Context, mergeID uint) ([]RevertConflict, error) {
	return e.detector.CheckConflicts(ctx, mergeID)
}

// Revert undoes the merge operation. The operation must still be completed
// and inside its revert window; reverting at exactly the deadline succeeds.
// A reverted operation is terminal and cannot be reverted again.
func (e *RevertEngine) Revert(ctx context.Context, mergeID uint, reason, actor string) (*database.MergeOperation, error) {
	var op database.MergeOperation
	var cluster database.Cluster
	var conflicts []RevertConflict
	autoDismissed := false
	now := time.Now()

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&op, mergeID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("merge operation %d: %w", mergeID, ErrNotFound)
			}
			return err
		}
		if op.Status != database.MergeStatusCompleted {
			return fmt.Errorf("merge operation %s is already %s, cannot revert: %w", op.UUID, op.Status, ErrInvalidTransition)
		}
		if op.RevertDeadline != nil && now.After(*op.RevertDeadline) {
			return fmt.Errorf("merge operation %s revert deadline passed at %s: %w",
				op.UUID, op.RevertDeadline.UTC().Format(time.RFC3339), ErrRevertWindowExpired)
		}

		// Conflicts are computed before any mutation so the audit record
		// reflects what the operator saw (or would have seen) at revert time.
		var err error
		conflicts, err = e.detector.conflictsFor(tx, &op)
		if err != nil {
			return err
		}

		// Claim the operation with a compare-and-swap; a concurrent revert
		// of the same merge loses here.
		res := tx.Model(&database.MergeOperation{}).
			Where("id = ? AND status = ? AND version = ?", op.ID, database.MergeStatusCompleted, op.Version).
			Updates(map[string]interface{}{
				"status":        database.MergeStatusReverted,
				"reverted_at":   now,
				"reverted_by":   actor,
				"revert_reason": reason,
				"version":       op.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("merge operation %s was modified concurrently: %w", op.UUID, ErrConflict)
		}

		// Restore secondaries in the order they were merged.
		for _, secID := range op.SecondaryTicketIDs {
			priorStatus, ok := op.PriorStatuses[secID]
			if !ok {
				priorStatus = database.TicketStatusOpen
			}
			if err := tx.Model(&database.Ticket{}).Where("id = ?", secID).
				Updates(map[string]interface{}{
					"status":         priorStatus,
					"merged_into_id": nil,
				}).Error; err != nil {
				return err
			}
		}

		// Strip exactly the note segments this merge appended. Segments an
		// operator already deleted are skipped.
		if op.Behavior == database.MergeBehaviorCombineNotes {
			var segments []database.NoteSegment
			if err := tx.Where("merge_operation_id = ?", op.ID).Find(&segments).Error; err != nil {
				return err
			}
			for _, seg := range segments {
				if err := removeNoteSegment(tx, seg.TicketID, seg.Tag); err != nil {
					return err
				}
			}
		}

		// Reopen the cluster with its original membership. A ticket that a
		// later cluster has since claimed keeps that claim; the divergence
		// is already in the conflict list.
		res = tx.Model(&database.Cluster{}).
			Where("id = ? AND status = ?", op.ClusterID, database.ClusterStatusMerged).
			Updates(map[string]interface{}{
				"status":  database.ClusterStatusPending,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("cluster %d is no longer merged: %w", op.ClusterID, ErrConflict)
		}

		for _, ticketID := range op.TicketSet() {
			if err := tx.Model(&database.Ticket{}).
				Where("id = ? AND (cluster_id IS NULL OR cluster_id = ?)", ticketID, op.ClusterID).
				Update("cluster_id", op.ClusterID).Error; err != nil {
				return err
			}
		}

		// Claims lost to later clusters may leave the reopened cluster
		// below the two-member minimum. Same policy as RemoveMember: the
		// cluster is auto-dismissed rather than left pending and invalid.
		reclaimed, err := memberTicketIDs(tx, op.ClusterID)
		if err != nil {
			return err
		}
		if len(reclaimed) < 2 {
			if err := tx.First(&cluster, op.ClusterID).Error; err != nil {
				return err
			}
			autoDismissed = true
			if err := dismissClusterTx(tx, &cluster, "membership dropped below 2 after revert"); err != nil {
				return err
			}
		}

		op.Status = database.MergeStatusReverted
		op.RevertedAt = &now
		op.RevertedBy = actor
		op.RevertReason = reason
		op.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}

	conflictMeta := make([]map[string]interface{}, 0, len(conflicts))
	for _, c := range conflicts {
		conflictMeta = append(conflictMeta, map[string]interface{}{
			"ticket_id":  c.TicketID,
			"field":      c.Field,
			"original":   c.OriginalValue,
			"current":    c.CurrentValue,
			"merge_uuid": c.MergeUUID,
		})
	}
	recordAudit(ctx, e.sink, audit.Event{
		Type:         audit.EventMergeReverted,
		ActorID:      actor,
		ResourceType: "merge_operation",
		ResourceID:   op.UUID,
		RelatedIDs:   idStrings(op.TicketSet()),
		Metadata: map[string]interface{}{
			"reason":         reason,
			"conflicts":      conflictMeta,
			"auto_dismissed": autoDismissed,
		},
		Outcome:    audit.OutcomeSuccess,
		OccurredAt: time.Now(),
	})
	if autoDismissed {
		recordAudit(ctx, e.sink, audit.Event{
			Type:         audit.EventClusterDismissed,
			ActorID:      "system",
			ResourceType: "cluster",
			ResourceID:   cluster.UUID,
			Metadata:     map[string]interface{}{"reason": cluster.DismissReason},
			Outcome:      audit.OutcomeSuccess,
			OccurredAt:   time.Now(),
		})
	}
	return &op, nil
}
