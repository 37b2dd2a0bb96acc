package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/audit"
	"github.com/mergedesk/mergedesk/internal/database"
)

// MergeEngine converts a pending cluster into a single canonical ticket plus
// an immutable MergeOperation record. All mutations for one merge happen in
// a single transaction: a merge either fully applies or not at all, and a
// failed merge leaves the cluster pending and retryable.
type MergeEngine struct {
	db   *gorm.DB
	sink audit.Sink
}

// NewMergeEngine creates a new MergeEngine
func NewMergeEngine(db *gorm.DB, sink audit.Sink) *MergeEngine {
	return &MergeEngine{db: db, sink: sink}
}

// MergeFilter narrows merge operation listings. Zero values mean "no filter".
type MergeFilter struct {
	Status database.MergeStatus
	From   time.Time
	To     time.Time
}

// Merge collapses the pending cluster into primaryTicketID under the given
// behavior. Secondary tickets are mutated in ascending creation order so
// retries replay deterministically. The revert deadline comes from the
// dedupe settings revert window.
func (e *MergeEngine) Merge(ctx context.Context, clusterID, primaryTicketID uint, behavior database.MergeBehavior, actor string) (*database.MergeOperation, error) {
	if !database.ValidMergeBehavior(behavior) {
		return nil, fmt.Errorf("unknown merge behavior %q: %w", behavior, ErrInvalidCluster)
	}

	var op database.MergeOperation

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cluster database.Cluster
		if err := tx.First(&cluster, clusterID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("cluster %d: %w", clusterID, ErrNotFound)
			}
			return err
		}
		if cluster.Status != database.ClusterStatusPending {
			return fmt.Errorf("cluster %s is %s, only pending clusters can be merged: %w", cluster.UUID, cluster.Status, ErrInvalidCluster)
		}

		var members []database.Ticket
		if err := tx.Where("cluster_id = ?", cluster.ID).
			Order("created_at ASC, id ASC").Find(&members).Error; err != nil {
			return err
		}

		var primary *database.Ticket
		for i := range members {
			if members[i].ID == primaryTicketID {
				primary = &members[i]
				break
			}
		}
		if primary == nil {
			return fmt.Errorf("primary ticket %d is not a member of cluster %s: %w", primaryTicketID, cluster.UUID, ErrNotFound)
		}

		// Close the cluster first with a compare-and-swap on status and
		// version. Exactly one of two concurrent merges wins; the loser
		// sees zero rows and fails with Conflict.
		res := tx.Model(&database.Cluster{}).
			Where("id = ? AND status = ? AND version = ?", cluster.ID, database.ClusterStatusPending, cluster.Version).
			Updates(map[string]interface{}{
				"status":  database.ClusterStatusMerged,
				"version": cluster.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("cluster %s was modified concurrently: %w", cluster.UUID, ErrConflict)
		}

		settings, err := database.GetOrCreateDedupeSettings(tx)
		if err != nil {
			return err
		}

		performedAt := time.Now()
		deadline := performedAt.Add(settings.RevertWindow())

		secondaries := make([]database.Ticket, 0, len(members)-1)
		secondaryIDs := make(database.IDList, 0, len(members)-1)
		// Snapshot the primary too: revert never changes its status, but
		// the conflict detector compares against it.
		prior := make(database.StatusSnapshot, len(members))
		prior[primary.ID] = primary.Status
		for _, m := range members {
			if m.ID == primary.ID {
				continue
			}
			secondaries = append(secondaries, m)
			secondaryIDs = append(secondaryIDs, m.ID)
			prior[m.ID] = m.Status
		}

		op = database.MergeOperation{
			ClusterID:          cluster.ID,
			PrimaryTicketID:    primary.ID,
			SecondaryTicketIDs: secondaryIDs,
			Behavior:           behavior,
			Status:             database.MergeStatusCompleted,
			PriorStatuses:      prior,
			PerformedBy:        actor,
			PerformedAt:        performedAt,
			RevertDeadline:     &deadline,
		}
		if err := tx.Create(&op).Error; err != nil {
			return err
		}

		// Mutate secondaries in ascending creation order. Each flip is
		// conditional on the status we read, so a ticket mutated from
		// outside the cluster claim fails the merge instead of being
		// silently overwritten.
		for _, sec := range secondaries {
			if behavior == database.MergeBehaviorCombineNotes && sec.Description != "" {
				tag := uuid.NewString()
				text := fmt.Sprintf("\n\n[merged %s from %s at %s]\n%s",
					tag, sec.TicketNumber, performedAt.UTC().Format(time.RFC3339), sec.Description)
				if _, err := appendNoteSegment(tx, op.ID, primary.ID, sec.ID, text, tag); err != nil {
					return err
				}
			}

			flip := tx.Model(&database.Ticket{}).
				Where("id = ? AND status = ?", sec.ID, sec.Status).
				Updates(map[string]interface{}{
					"status":         database.TicketStatusMerged,
					"merged_into_id": primary.ID,
				})
			if flip.Error != nil {
				return flip.Error
			}
			if flip.RowsAffected == 0 {
				return fmt.Errorf("ticket %s was modified concurrently: %w", sec.TicketNumber, ErrConflict)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordAudit(ctx, e.sink, audit.Event{
		Type:         audit.EventMergeCompleted,
		ActorID:      actor,
		ResourceType: "merge_operation",
		ResourceID:   op.UUID,
		RelatedIDs:   idStrings(op.TicketSet()),
		Metadata: map[string]interface{}{
			"behavior":             string(behavior),
			"primary_ticket_id":    op.PrimaryTicketID,
			"secondary_ticket_ids": []uint(op.SecondaryTicketIDs),
		},
		Outcome:    audit.OutcomeSuccess,
		OccurredAt: time.Now(),
	})
	return &op, nil
}

// GetMergeOperation retrieves a merge operation by ID
func (e *MergeEngine) GetMergeOperation(ctx context.Context, id uint) (*database.MergeOperation, error) {
	var op database.MergeOperation
	if err := e.db.WithContext(ctx).First(&op, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("merge operation %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &op, nil
}

// GetMergeOperationByUUID retrieves a merge operation by its external UUID
func (e *MergeEngine) GetMergeOperationByUUID(ctx context.Context, uuid string) (*database.MergeOperation, error) {
	var op database.MergeOperation
	if err := e.db.WithContext(ctx).Where("uuid = ?", uuid).First(&op).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("merge operation %s: %w", uuid, ErrNotFound)
		}
		return nil, err
	}
	return &op, nil
}

// ListMergeOperations returns one page of merge operations matching the
// filter, newest first, along with the total match count. A limit of 0
// returns everything.
func (e *MergeEngine) ListMergeOperations(ctx context.Context, filter MergeFilter, limit, offset int) ([]database.MergeOperation, int64, error) {
	var ops []database.MergeOperation
	query := e.db.WithContext(ctx).Model(&database.MergeOperation{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		query = query.Where("performed_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("performed_at <= ?", filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	err := query.Order("performed_at DESC").Find(&ops).Error
	return ops, total, err
}
