package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/testhelpers"
)

func setupRegistry(t *testing.T) (*gorm.DB, *ClusterRegistry) {
	db := testhelpers.SetupTestDB(t)
	return db, NewClusterRegistry(db, nil)
}

func createTicket(t *testing.T, db *gorm.DB, b *testhelpers.TicketBuilder) database.Ticket {
	t.Helper()
	ticket := b.Build()
	if err := db.Create(&ticket).Error; err != nil {
		t.Fatalf("failed to create ticket: %v", err)
	}
	return ticket
}

func TestCreateCluster_Success(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder().WithScope("eu-west", "2026-08"))
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder().WithScope("eu-west", "2026-08"))

	cluster, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceHigh, database.JSONB{"rule": "same-transaction"}, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cluster.Status != database.ClusterStatusPending {
		t.Errorf("expected pending status, got %s", cluster.Status)
	}
	if cluster.Region != "eu-west" || cluster.Period != "2026-08" {
		t.Errorf("expected scope inherited from members, got %s/%s", cluster.Region, cluster.Period)
	}
	if cluster.UUID == "" {
		t.Error("expected cluster UUID to be assigned")
	}

	members, err := registry.Members(ctx, cluster.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	for _, m := range members {
		if m.ClusterID == nil || *m.ClusterID != cluster.ID {
			t.Errorf("ticket %d not claimed by cluster", m.ID)
		}
	}
}

func TestCreateCluster_DeduplicatesMemberIDs(t *testing.T) {
	db, registry := setupRegistry(t)

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())

	_, err := registry.CreateCluster(context.Background(), ScopeKey{}, []uint{t1.ID, t1.ID, t1.ID},
		database.ConfidenceLow, nil, nil, "operator")
	if !errors.Is(err, ErrInvalidCluster) {
		t.Errorf("expected ErrInvalidCluster for a single distinct member, got %v", err)
	}
}

func TestCreateCluster_UnknownConfidence(t *testing.T) {
	db, registry := setupRegistry(t)

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())

	_, err := registry.CreateCluster(context.Background(), ScopeKey{}, []uint{t1.ID, t2.ID},
		"certain", nil, nil, "operator")
	if !errors.Is(err, ErrInvalidCluster) {
		t.Errorf("expected ErrInvalidCluster, got %v", err)
	}
}

func TestCreateCluster_MissingTicket(t *testing.T) {
	db, registry := setupRegistry(t)

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())

	_, err := registry.CreateCluster(context.Background(), ScopeKey{}, []uint{t1.ID, 9999},
		database.ConfidenceHigh, nil, nil, "operator")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateCluster_RejectsMergedTicket(t *testing.T) {
	db, registry := setupRegistry(t)

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder().WithStatus(database.TicketStatusMerged))
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())

	_, err := registry.CreateCluster(context.Background(), ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceHigh, nil, nil, "operator")
	if !errors.Is(err, ErrInvalidCluster) {
		t.Errorf("expected ErrInvalidCluster, got %v", err)
	}
}

func TestCreateCluster_RejectsTicketInPendingCluster(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t3 := createTicket(t, db, testhelpers.NewTicketBuilder())

	if _, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceHigh, nil, nil, "operator"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t2.ID, t3.ID},
		database.ConfidenceHigh, nil, nil, "operator")
	if !errors.Is(err, ErrInvalidCluster) {
		t.Errorf("expected ErrInvalidCluster for double-claimed ticket, got %v", err)
	}
}

func TestCreateCluster_AllowsTicketClaimedByTerminalCluster(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())

	first, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceLow, nil, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate a cluster that went terminal without releasing its claims
	// (the merged state keeps them for traceability).
	db.Model(&database.Cluster{}).Where("id = ?", first.ID).
		Update("status", database.ClusterStatusMerged)

	second, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceHigh, nil, nil, "operator")
	if err != nil {
		t.Fatalf("expected reclaim from terminal cluster to succeed, got %v", err)
	}

	members, _ := registry.Members(ctx, second.ID)
	if len(members) != 2 {
		t.Errorf("expected 2 members in new cluster, got %d", len(members))
	}
}

func TestDismiss_ReleasesClaims(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())

	cluster, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceMedium, nil, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dismissed, err := registry.Dismiss(ctx, cluster.ID, "not duplicates", "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dismissed.Status != database.ClusterStatusDismissed {
		t.Errorf("expected dismissed status, got %s", dismissed.Status)
	}
	if dismissed.DismissReason != "not duplicates" {
		t.Errorf("expected dismiss reason recorded, got %q", dismissed.DismissReason)
	}

	var count int64
	db.Model(&database.Ticket{}).Where("cluster_id = ?", cluster.ID).Count(&count)
	if count != 0 {
		t.Errorf("expected all claims released, %d tickets still claimed", count)
	}
}

func TestDismiss_AlreadyDismissed(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())

	cluster, _ := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceMedium, nil, nil, "operator")

	if _, err := registry.Dismiss(ctx, cluster.ID, "first", "operator"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := registry.Dismiss(ctx, cluster.ID, "second", "operator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

// A status flip by a concurrent writer between the dismiss's read and its
// conditional update must lose with ErrConflict, not silently double-apply.
func TestDismiss_ConcurrentTransitionConflicts(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())
	cluster, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceHigh, nil, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raced := false
	err = db.Callback().Update().Before("gorm:update").Register("test_status_flip", func(tx *gorm.DB) {
		if raced || tx.Statement.Table != "clusters" {
			return
		}
		raced = true
		tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE clusters SET status = ?, version = version + 1 WHERE id = ?",
				database.ClusterStatusMerged, cluster.ID)
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	_, err = registry.Dismiss(ctx, cluster.ID, "duplicate report", "operator")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !raced {
		t.Fatal("expected the concurrent write to have fired")
	}
}

func TestDismiss_NotFound(t *testing.T) {
	_, registry := setupRegistry(t)

	_, err := registry.Dismiss(context.Background(), 9999, "reason", "operator")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveMember_ReleasesClaim(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t3 := createTicket(t, db, testhelpers.NewTicketBuilder())

	cluster, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID, t3.ID},
		database.ConfidenceMedium, nil, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := registry.RemoveMember(ctx, cluster.ID, t3.ID, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != database.ClusterStatusPending {
		t.Errorf("expected cluster still pending with 2 remaining members, got %s", updated.Status)
	}

	var removed database.Ticket
	db.First(&removed, t3.ID)
	if removed.ClusterID != nil {
		t.Error("expected removed ticket's claim released")
	}

	members, _ := registry.Members(ctx, cluster.ID)
	if len(members) != 2 {
		t.Errorf("expected 2 remaining members, got %d", len(members))
	}
}

func TestRemoveMember_AutoDismissBelowTwo(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())

	cluster, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceMedium, nil, nil, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := registry.RemoveMember(ctx, cluster.ID, t2.ID, "operator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != database.ClusterStatusDismissed {
		t.Errorf("expected auto-dismiss, got status %s", updated.Status)
	}
	if updated.DismissReason == "" {
		t.Error("expected auto-dismiss reason recorded")
	}

	var count int64
	db.Model(&database.Ticket{}).Where("cluster_id = ?", cluster.ID).Count(&count)
	if count != 0 {
		t.Errorf("expected all claims released on auto-dismiss, %d still claimed", count)
	}
}

func TestRemoveMember_NotAMember(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t3 := createTicket(t, db, testhelpers.NewTicketBuilder())

	cluster, _ := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceMedium, nil, nil, "operator")

	_, err := registry.RemoveMember(ctx, cluster.ID, t3.ID, "operator")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveMember_FrozenAfterDismiss(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())

	cluster, _ := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceMedium, nil, nil, "operator")
	registry.Dismiss(ctx, cluster.ID, "done", "operator")

	_, err := registry.RemoveMember(ctx, cluster.ID, t1.ID, "operator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestExpireDue(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t3 := createTicket(t, db, testhelpers.NewTicketBuilder())
	t4 := createTicket(t, db, testhelpers.NewTicketBuilder())

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	due, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceLow, nil, &past, "system")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh, err := registry.CreateCluster(ctx, ScopeKey{}, []uint{t3.ID, t4.ID},
		database.ConfidenceLow, nil, &future, "system")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expired, err := registry.ExpireDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 1 {
		t.Errorf("expected 1 expired cluster, got %d", expired)
	}

	var gotDue database.Cluster
	if err := db.First(&gotDue, due.ID).Error; err != nil {
		t.Fatalf("reloading due cluster: %v", err)
	}
	if gotDue.Status != database.ClusterStatusExpired {
		t.Errorf("expected expired status, got %s", gotDue.Status)
	}

	var count int64
	db.Model(&database.Ticket{}).Where("cluster_id = ?", due.ID).Count(&count)
	if count != 0 {
		t.Errorf("expected expired cluster's claims released, %d still claimed", count)
	}

	var gotFresh database.Cluster
	if err := db.First(&gotFresh, fresh.ID).Error; err != nil {
		t.Fatalf("reloading fresh cluster: %v", err)
	}
	if gotFresh.Status != database.ClusterStatusPending {
		t.Errorf("expected future-dated cluster untouched, got %s", gotFresh.Status)
	}
}

func TestListClusters_Filters(t *testing.T) {
	db, registry := setupRegistry(t)
	ctx := context.Background()

	t1 := createTicket(t, db, testhelpers.NewTicketBuilder().WithScope("eu-west", "2026-08"))
	t2 := createTicket(t, db, testhelpers.NewTicketBuilder().WithScope("eu-west", "2026-08"))
	t3 := createTicket(t, db, testhelpers.NewTicketBuilder().WithScope("us-east", "2026-08"))
	t4 := createTicket(t, db, testhelpers.NewTicketBuilder().WithScope("us-east", "2026-08"))

	euCluster, _ := registry.CreateCluster(ctx, ScopeKey{}, []uint{t1.ID, t2.ID},
		database.ConfidenceHigh, nil, nil, "operator")
	registry.CreateCluster(ctx, ScopeKey{}, []uint{t3.ID, t4.ID},
		database.ConfidenceLow, nil, nil, "operator")

	euOnly, _, err := registry.ListClusters(ctx, ScopeKey{Region: "eu-west"}, ClusterFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(euOnly) != 1 || euOnly[0].ID != euCluster.ID {
		t.Errorf("expected only the eu-west cluster, got %d clusters", len(euOnly))
	}

	highOnly, _, err := registry.ListClusters(ctx, ScopeKey{}, ClusterFilter{Confidence: database.ConfidenceHigh}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(highOnly) != 1 {
		t.Errorf("expected 1 high-confidence cluster, got %d", len(highOnly))
	}

	// A page smaller than the match set still reports the full total.
	page, total, err := registry.ListClusters(ctx, ScopeKey{}, ClusterFilter{}, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 1 || total != 2 {
		t.Errorf("expected a 1-cluster page with total 2, got %d (total %d)", len(page), total)
	}

	registry.Dismiss(ctx, euCluster.ID, "", "operator")
	pending, _, err := registry.ListClusters(ctx, ScopeKey{}, ClusterFilter{Status: database.ClusterStatusPending}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending cluster after dismissal, got %d", len(pending))
	}
}
