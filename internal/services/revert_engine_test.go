package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/testhelpers"
)

func newRevertEngine(db *gorm.DB) *RevertEngine {
	return NewRevertEngine(db, NewConflictDetector(db), nil)
}

func TestRevert_RestoresPreMergeState(t *testing.T) {
	db, _, engine, cluster, tickets := mergeFixture(t,
		testhelpers.NewTicketBuilder().WithStatus(database.TicketStatusOpen),
		testhelpers.NewTicketBuilder().WithStatus(database.TicketStatusResolved),
	)
	primary, secondary := tickets[0], tickets[1]
	ctx := context.Background()

	op, err := engine.Merge(ctx, cluster.ID, primary.ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reverted, err := newRevertEngine(db).Revert(ctx, op.ID, "merged by mistake", "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reverted.Status != database.MergeStatusReverted {
		t.Errorf("expected reverted status, got %s", reverted.Status)
	}
	if reverted.RevertedBy != "operator" || reverted.RevertReason != "merged by mistake" {
		t.Errorf("expected revert attribution recorded, got %q / %q", reverted.RevertedBy, reverted.RevertReason)
	}
	if reverted.RevertedAt == nil {
		t.Error("expected reverted_at set")
	}

	// Secondary regains its exact pre-merge status, not a generic "open".
	var got database.Ticket
	db.First(&got, secondary.ID)
	if got.Status != database.TicketStatusResolved {
		t.Errorf("expected secondary restored to resolved, got %s", got.Status)
	}
	if got.MergedIntoID != nil {
		t.Error("expected secondary merged_into_id cleared")
	}
	if got.ClusterID == nil || *got.ClusterID != cluster.ID {
		t.Error("expected secondary reclaimed by the reopened cluster")
	}

	var gotCluster database.Cluster
	db.First(&gotCluster, cluster.ID)
	if gotCluster.Status != database.ClusterStatusPending {
		t.Errorf("expected cluster reopened to pending, got %s", gotCluster.Status)
	}
}

func TestRevert_CombineNotesRemovesExactSegments(t *testing.T) {
	db, _, engine, cluster, tickets := mergeFixture(t,
		testhelpers.NewTicketBuilder().WithDescription("Primary description."),
		testhelpers.NewTicketBuilder().WithDescription("Secondary notes."),
	)
	primary := tickets[0]
	ctx := context.Background()

	op, err := engine.Merge(ctx, cluster.ID, primary.ID, database.MergeBehaviorCombineNotes, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An operator edits the description after the merge; the revert must
	// keep that edit and strip only the merged segment.
	var merged database.Ticket
	db.First(&merged, primary.ID)
	db.Model(&database.Ticket{}).Where("id = ?", primary.ID).
		Update("description", merged.Description+"\nOperator follow-up note.")

	if _, err := newRevertEngine(db).Revert(ctx, op.ID, "", "operator"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got database.Ticket
	db.First(&got, primary.ID)
	if !strings.Contains(got.Description, "Primary description.") {
		t.Errorf("expected original description kept, got %q", got.Description)
	}
	if !strings.Contains(got.Description, "Operator follow-up note.") {
		t.Errorf("expected post-merge edit kept, got %q", got.Description)
	}
	if strings.Contains(got.Description, "Secondary notes.") {
		t.Errorf("expected merged segment removed, got %q", got.Description)
	}

	var count int64
	db.Model(&database.NoteSegment{}).Where("merge_operation_id = ?", op.ID).Count(&count)
	if count != 0 {
		t.Errorf("expected note segments deleted, %d remain", count)
	}
}

func TestRevert_AutoDismissWhenClaimsLost(t *testing.T) {
	db, registry, engine, cluster, tickets := mergeFixture(t,
		testhelpers.NewTicketBuilder(),
		testhelpers.NewTicketBuilder().WithNumber("TKT-SEC"),
	)
	primary, secondary := tickets[0], tickets[1]
	ctx := context.Background()

	op, err := engine.Merge(ctx, cluster.ID, primary.ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The merged cluster's claim on the primary is stealable, so a fresh
	// pending cluster can pick it up before the revert.
	extra := createTicket(t, db, testhelpers.NewTicketBuilder().WithNumber("TKT-EXTRA"))
	later, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{primary.ID, extra.ID},
		database.ConfidenceMedium, nil, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := newRevertEngine(db).Revert(ctx, op.ID, "", "operator"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only the secondary could be reclaimed; a one-member cluster must not
	// sit around pending, so the reopen ends in an auto-dismiss.
	var gotCluster database.Cluster
	if err := db.First(&gotCluster, cluster.ID).Error; err != nil {
		t.Fatalf("reloading cluster: %v", err)
	}
	if gotCluster.Status != database.ClusterStatusDismissed {
		t.Errorf("expected cluster auto-dismissed, got %s", gotCluster.Status)
	}
	if gotCluster.DismissReason == "" {
		t.Error("expected a dismiss reason recorded")
	}

	var gotSecondary database.Ticket
	if err := db.First(&gotSecondary, secondary.ID).Error; err != nil {
		t.Fatalf("reloading secondary: %v", err)
	}
	if gotSecondary.Status != database.TicketStatusOpen {
		t.Errorf("expected secondary restored, got %s", gotSecondary.Status)
	}
	if gotSecondary.ClusterID != nil {
		t.Error("expected the dismissed cluster's claims released")
	}

	// The later cluster keeps its claim on the primary.
	var gotPrimary database.Ticket
	if err := db.First(&gotPrimary, primary.ID).Error; err != nil {
		t.Fatalf("reloading primary: %v", err)
	}
	if gotPrimary.ClusterID == nil || *gotPrimary.ClusterID != later.ID {
		t.Error("expected primary to stay claimed by the later cluster")
	}
	var gotLater database.Cluster
	if err := db.First(&gotLater, later.ID).Error; err != nil {
		t.Fatalf("reloading later cluster: %v", err)
	}
	if gotLater.Status != database.ClusterStatusPending {
		t.Errorf("expected later cluster untouched, got %s", gotLater.Status)
	}
}

func TestRevert_DeadlinePassed(t *testing.T) {
	db, _, engine, cluster, tickets := mergeFixture(t,
		testhelpers.NewTicketBuilder(),
		testhelpers.NewTicketBuilder(),
	)
	ctx := context.Background()

	op, err := engine.Merge(ctx, cluster.ID, tickets[0].ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expired := time.Now().Add(-time.Minute)
	db.Model(&database.MergeOperation{}).Where("id = ?", op.ID).
		Update("revert_deadline", expired)

	_, err = newRevertEngine(db).Revert(ctx, op.ID, "", "operator")
	if !errors.Is(err, ErrRevertWindowExpired) {
		t.Errorf("expected ErrRevertWindowExpired, got %v", err)
	}

	// The failed revert must not have touched anything.
	var got database.Ticket
	db.First(&got, tickets[1].ID)
	if got.Status != database.TicketStatusMerged {
		t.Errorf("expected secondary still merged, got %s", got.Status)
	}
}

func TestRevert_Twice(t *testing.T) {
	db, _, engine, cluster, tickets := mergeFixture(t,
		testhelpers.NewTicketBuilder(),
		testhelpers.NewTicketBuilder(),
	)
	ctx := context.Background()

	op, err := engine.Merge(ctx, cluster.ID, tickets[0].ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	revertEngine := newRevertEngine(db)
	if _, err := revertEngine.Revert(ctx, op.ID, "", "operator"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = revertEngine.Revert(ctx, op.ID, "", "operator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second revert, got %v", err)
	}
}

// A concurrent writer that touches the operation between the engine's read
// and its conditional update makes the revert lose with ErrConflict and
// roll back cleanly.
func TestRevert_ConcurrentOperationWriteConflicts(t *testing.T) {
	db, _, engine, cluster, tickets := mergeFixture(t,
		testhelpers.NewTicketBuilder(),
		testhelpers.NewTicketBuilder(),
	)
	ctx := context.Background()

	op, err := engine.Merge(ctx, cluster.ID, tickets[0].ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raced := false
	err = db.Callback().Update().Before("gorm:update").Register("test_operation_bump", func(tx *gorm.DB) {
		if raced || tx.Statement.Table != "merge_operations" {
			return
		}
		raced = true
		tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE merge_operations SET version = version + 1 WHERE id = ?", op.ID)
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	_, err = newRevertEngine(db).Revert(ctx, op.ID, "", "operator")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !raced {
		t.Fatal("expected the concurrent write to have fired")
	}

	// The losing revert rolled back: the merge stands untouched.
	var got database.Ticket
	if err := db.First(&got, tickets[1].ID).Error; err != nil {
		t.Fatalf("reloading secondary: %v", err)
	}
	if got.Status != database.TicketStatusMerged {
		t.Errorf("expected secondary still merged, got %s", got.Status)
	}
}

func TestRevert_NotFound(t *testing.T) {
	db := testhelpers.SetupTestDB(t)

	_, err := newRevertEngine(db).Revert(context.Background(), 9999, "", "operator")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevert_MergeRevertMergeCycle(t *testing.T) {
	db, _, engine, cluster, tickets := mergeFixture(t,
		testhelpers.NewTicketBuilder(),
		testhelpers.NewTicketBuilder(),
	)
	ctx := context.Background()

	op1, err := engine.Merge(ctx, cluster.ID, tickets[0].ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := newRevertEngine(db).Revert(ctx, op1.ID, "", "operator"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The reopened cluster merges again, this time with the other primary.
	op2, err := engine.Merge(ctx, cluster.ID, tickets[1].ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("expected re-merge of reopened cluster to succeed, got %v", err)
	}
	if op2.PrimaryTicketID != tickets[1].ID {
		t.Errorf("expected new primary %d, got %d", tickets[1].ID, op2.PrimaryTicketID)
	}

	var got database.Ticket
	db.First(&got, tickets[0].ID)
	if got.Status != database.TicketStatusMerged {
		t.Errorf("expected first ticket merged under the new operation, got %s", got.Status)
	}
}

func TestCheckConflicts_NoLaterMerges(t *testing.T) {
	db, _, engine, cluster, tickets := mergeFixture(t,
		testhelpers.NewTicketBuilder(),
		testhelpers.NewTicketBuilder(),
	)
	ctx := context.Background()

	op, err := engine.Merge(ctx, cluster.ID, tickets[0].ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conflicts, err := newRevertEngine(db).CheckConflicts(ctx, op.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("expected no conflicts, got %d", len(conflicts))
	}
}

func TestCheckConflicts_LaterMergeMovedPrimary(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	registry := NewClusterRegistry(db, nil)
	engine := NewMergeEngine(db, nil)
	ctx := context.Background()

	tA := createTicket(t, db, testhelpers.NewTicketBuilder())
	tB := createTicket(t, db, testhelpers.NewTicketBuilder())
	tC := createTicket(t, db, testhelpers.NewTicketBuilder())

	clusterAB, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{tA.ID, tB.ID},
		database.ConfidenceHigh, nil, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opAB, err := engine.Merge(ctx, clusterAB.ID, tA.ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A later merge absorbs the surviving primary into another ticket.
	clusterAC, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{tA.ID, tC.ID},
		database.ConfidenceHigh, nil, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opAC, err := engine.Merge(ctx, clusterAC.ID, tC.ID, database.MergeBehaviorKeepLatest, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conflicts, err := newRevertEngine(db).CheckConflicts(ctx, opAB.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conflicts) == 0 {
		t.Fatal("expected conflicts for the moved primary")
	}

	foundStatus := false
	for _, c := range conflicts {
		if c.TicketID != tA.ID {
			t.Errorf("expected conflicts only on ticket %d, got one on %d", tA.ID, c.TicketID)
		}
		if c.MergeUUID != opAC.UUID {
			t.Errorf("expected conflict attributed to the later merge %s, got %s", opAC.UUID, c.MergeUUID)
		}
		if c.Field == "status" {
			foundStatus = true
			if c.OriginalValue != string(database.TicketStatusOpen) || c.CurrentValue != string(database.TicketStatusMerged) {
				t.Errorf("expected status open -> merged, got %s -> %s", c.OriginalValue, c.CurrentValue)
			}
		}
	}
	if !foundStatus {
		t.Error("expected a status conflict")
	}

	// Conflicts are advisory: the revert still goes through.
	if _, err := newRevertEngine(db).Revert(ctx, opAB.ID, "", "operator"); err != nil {
		t.Fatalf("expected revert to proceed despite conflicts, got %v", err)
	}

	// The later merge's state is untouched.
	var got database.Ticket
	db.First(&got, tA.ID)
	if got.Status != database.TicketStatusMerged {
		t.Errorf("expected later merge left intact, got status %s", got.Status)
	}
	if got.MergedIntoID == nil || *got.MergedIntoID != tC.ID {
		t.Error("expected later merge's merged_into_id preserved")
	}
}
