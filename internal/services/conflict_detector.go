package services

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/database"
)

// RevertConflict describes one field on one ticket that a later merge moved
// away from the state a revert would restore. Conflicts are derived values:
// they are surfaced to the operator, never stored, and never block a revert.
type RevertConflict struct {
	TicketID      uint   `json:"ticket_id"`
	TicketNumber  string `json:"ticket_number"`
	Field         string `json:"field"`
	OriginalValue string `json:"original_value"`
	CurrentValue  string `json:"current_value"`
	MergeUUID     string `json:"merge_uuid"` // The later merge that introduced the divergence
}

// ConflictDetector inspects merges performed after a given one for overlap
// with its ticket set
type ConflictDetector struct {
	db *gorm.DB
}

// NewConflictDetector creates a new ConflictDetector
func NewConflictDetector(db *gorm.DB) *ConflictDetector {
	return &ConflictDetector{db: db}
}

// CheckConflicts returns the conflicts a revert of mergeID would face. It is
// read-only and advisory: the revert engine surfaces the result but never
// gates on it.
func (d *ConflictDetector) CheckConflicts(ctx context.Context, mergeID uint) ([]RevertConflict, error) {
	var op database.MergeOperation
	if err := d.db.WithContext(ctx).First(&op, mergeID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("merge operation %d: %w", mergeID, ErrNotFound)
		}
		return nil, err
	}
	return d.conflictsFor(d.db.WithContext(ctx), &op)
}

// conflictsFor computes conflicts using the given DB handle so the revert
// engine can reuse it inside its transaction.
func (d *ConflictDetector) conflictsFor(db *gorm.DB, op *database.MergeOperation) ([]RevertConflict, error) {
	var later []database.MergeOperation
	err := db.Where("performed_at > ? AND id <> ? AND status = ?",
		op.PerformedAt, op.ID, database.MergeStatusCompleted).
		Order("performed_at ASC").Find(&later).Error
	if err != nil {
		return nil, err
	}

	ticketSet := op.TicketSet()
	var conflicts []RevertConflict
	for _, l := range later {
		overlap := intersect(ticketSet, l.TicketSet())
		if len(overlap) == 0 {
			continue
		}

		var tickets []database.Ticket
		if err := db.Where("id IN ?", []uint(overlap)).Find(&tickets).Error; err != nil {
			return nil, err
		}

		for _, t := range tickets {
			conflicts = append(conflicts, fieldDivergences(op, &l, &t)...)
		}
	}
	return conflicts, nil
}

// fieldDivergences compares the ticket's current state with the state op
// left it in. Any difference on a ticket the later merge also touched means
// the later merge moved it, and a revert of op would clobber that.
func fieldDivergences(op, later *database.MergeOperation, t *database.Ticket) []RevertConflict {
	var expectedStatus database.TicketStatus
	expectedInto := ""
	if op.SecondaryTicketIDs.Contains(t.ID) {
		expectedStatus = database.TicketStatusMerged
		expectedInto = strconv.FormatUint(uint64(op.PrimaryTicketID), 10)
	} else {
		// The primary keeps its pre-merge status through op.
		expectedStatus = op.PriorStatuses[t.ID]
	}

	currentInto := ""
	if t.MergedIntoID != nil {
		currentInto = strconv.FormatUint(uint64(*t.MergedIntoID), 10)
	}

	var out []RevertConflict
	if expectedStatus != "" && t.Status != expectedStatus {
		out = append(out, RevertConflict{
			TicketID:      t.ID,
			TicketNumber:  t.TicketNumber,
			Field:         "status",
			OriginalValue: string(expectedStatus),
			CurrentValue:  string(t.Status),
			MergeUUID:     later.UUID,
		})
	}
	if currentInto != expectedInto {
		out = append(out, RevertConflict{
			TicketID:      t.ID,
			TicketNumber:  t.TicketNumber,
			Field:         "merged_into_id",
			OriginalValue: expectedInto,
			CurrentValue:  currentInto,
			MergeUUID:     later.UUID,
		})
	}
	return out
}

func intersect(a, b database.IDList) database.IDList {
	inA := make(map[uint]bool, len(a))
	for _, id := range a {
		inA[id] = true
	}
	var out database.IDList
	for _, id := range b {
		if inA[id] {
			out = append(out, id)
		}
	}
	return out
}
