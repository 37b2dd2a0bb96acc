package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/audit"
	"github.com/mergedesk/mergedesk/internal/database"
)

// ClusterRegistry owns the cluster lifecycle: it is the only legal way to
// create a pending cluster, alter its membership, or dismiss it.
//
// Invariants enforced here:
//   - a ticket is claimed by at most one pending cluster at a time
//   - a pending cluster always has at least two members; removing the
//     second-to-last member auto-dismisses the cluster
//   - merged, dismissed and expired are terminal
type ClusterRegistry struct {
	db   *gorm.DB
	sink audit.Sink
}

// NewClusterRegistry creates a new ClusterRegistry
func NewClusterRegistry(db *gorm.DB, sink audit.Sink) *ClusterRegistry {
	return &ClusterRegistry{db: db, sink: sink}
}

// ClusterFilter narrows cluster listings. Zero values mean "no filter".
type ClusterFilter struct {
	Status     database.ClusterStatus
	Confidence database.Confidence
	From       time.Time
	To         time.Time
}

// CreateCluster registers a pending cluster over the given member tickets.
// All members must exist and must not be merged or already claimed by a
// different pending cluster.
func (r *ClusterRegistry) CreateCluster(ctx context.Context, scope ScopeKey, memberTicketIDs []uint, confidence database.Confidence, signals database.JSONB, expiresAt *time.Time, actor string) (*database.Cluster, error) {
	members := dedupeIDs(memberTicketIDs)
	if len(members) < 2 {
		return nil, fmt.Errorf("cluster needs at least 2 member tickets, got %d: %w", len(members), ErrInvalidCluster)
	}
	if !database.ValidConfidence(confidence) {
		return nil, fmt.Errorf("unknown confidence %q: %w", confidence, ErrInvalidCluster)
	}

	var cluster database.Cluster
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tickets []database.Ticket
		if err := tx.Where("id IN ?", []uint(members)).Find(&tickets).Error; err != nil {
			return err
		}
		if len(tickets) != len(members) {
			return fmt.Errorf("cluster references %d missing tickets: %w", len(members)-len(tickets), ErrNotFound)
		}

		region, period := scope.Region, scope.Period
		if region == "" {
			region = tickets[0].Region
		}
		if period == "" {
			period = tickets[0].Period
		}

		for _, t := range tickets {
			if t.Status == database.TicketStatusMerged {
				return fmt.Errorf("ticket %s is already merged, cannot cluster: %w", t.TicketNumber, ErrInvalidCluster)
			}
			if t.ClusterID != nil {
				var owner database.Cluster
				if err := tx.First(&owner, *t.ClusterID).Error; err != nil && err != gorm.ErrRecordNotFound {
					return err
				}
				if owner.ID != 0 && owner.Status == database.ClusterStatusPending {
					return fmt.Errorf("ticket %s already belongs to pending cluster %s: %w", t.TicketNumber, owner.UUID, ErrInvalidCluster)
				}
			}
		}

		cluster = database.Cluster{
			Status:       database.ClusterStatusPending,
			Confidence:   confidence,
			MatchSignals: signals,
			Region:       region,
			Period:       period,
			ExpiresAt:    expiresAt,
		}
		if err := tx.Create(&cluster).Error; err != nil {
			return err
		}

		// Claim each member. The claim is conditional on the ticket's
		// ownership still being what we observed above, so a concurrent
		// CreateCluster racing for the same ticket loses here.
		for _, t := range tickets {
			claim := tx.Model(&database.Ticket{}).Where("id = ?", t.ID)
			if t.ClusterID == nil {
				claim = claim.Where("cluster_id IS NULL")
			} else {
				claim = claim.Where("cluster_id = ?", *t.ClusterID)
			}
			res := claim.Update("cluster_id", cluster.ID)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("ticket %s was claimed concurrently: %w", t.TicketNumber, ErrConflict)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordAudit(ctx, r.sink, audit.Event{
		Type:         audit.EventClusterCreated,
		ActorID:      actor,
		ResourceType: "cluster",
		ResourceID:   cluster.UUID,
		RelatedIDs:   idStrings(members),
		Metadata:     map[string]interface{}{"confidence": string(confidence), "region": cluster.Region, "period": cluster.Period},
		Outcome:      audit.OutcomeSuccess,
		OccurredAt:   time.Now(),
	})
	return &cluster, nil
}

// GetCluster retrieves a cluster by ID
func (r *ClusterRegistry) GetCluster(ctx context.Context, id uint) (*database.Cluster, error) {
	var cluster database.Cluster
	if err := r.db.WithContext(ctx).First(&cluster, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("cluster %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &cluster, nil
}

// GetClusterByUUID retrieves a cluster by its external UUID
func (r *ClusterRegistry) GetClusterByUUID(ctx context.Context, uuid string) (*database.Cluster, error) {
	var cluster database.Cluster
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&cluster).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("cluster %s: %w", uuid, ErrNotFound)
		}
		return nil, err
	}
	return &cluster, nil
}

// Members returns the tickets currently claimed by the cluster, oldest first
func (r *ClusterRegistry) Members(ctx context.Context, clusterID uint) ([]database.Ticket, error) {
	var tickets []database.Ticket
	err := r.db.WithContext(ctx).Where("cluster_id = ?", clusterID).
		Order("created_at ASC, id ASC").Find(&tickets).Error
	return tickets, err
}

// ListClusters returns one page of clusters in the scope matching the
// filter, newest first, along with the total match count. A limit of 0
// returns everything.
func (r *ClusterRegistry) ListClusters(ctx context.Context, scope ScopeKey, filter ClusterFilter, limit, offset int) ([]database.Cluster, int64, error) {
	var clusters []database.Cluster
	query := scope.Apply(r.db.WithContext(ctx).Model(&database.Cluster{}))
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Confidence != "" {
		query = query.Where("confidence = ?", filter.Confidence)
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at <= ?", filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	err := query.Order("created_at DESC").Find(&clusters).Error
	return clusters, total, err
}

// Dismiss marks a pending cluster as dismissed and releases its ticket
// claims. Dismissing a cluster that already left pending fails with
// ErrInvalidTransition so callers can detect stale state.
func (r *ClusterRegistry) Dismiss(ctx context.Context, clusterID uint, reason, actor string) (*database.Cluster, error) {
	var cluster database.Cluster
	var memberIDs []uint

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&cluster, clusterID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("cluster %d: %w", clusterID, ErrNotFound)
			}
			return err
		}
		if cluster.Status != database.ClusterStatusPending {
			return fmt.Errorf("cluster %s is already %s, cannot dismiss: %w", cluster.UUID, cluster.Status, ErrInvalidTransition)
		}

		var err error
		memberIDs, err = memberTicketIDs(tx, cluster.ID)
		if err != nil {
			return err
		}

		if err := dismissClusterTx(tx, &cluster, reason); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordAudit(ctx, r.sink, audit.Event{
		Type:         audit.EventClusterDismissed,
		ActorID:      actor,
		ResourceType: "cluster",
		ResourceID:   cluster.UUID,
		RelatedIDs:   idStrings(memberIDs),
		Metadata:     map[string]interface{}{"reason": reason},
		Outcome:      audit.OutcomeSuccess,
		OccurredAt:   time.Now(),
	})
	return &cluster, nil
}

// RemoveMember releases one ticket from a pending cluster. If the removal
// would leave fewer than two members, the cluster is auto-dismissed instead
// of being left pending in an invalid state; the returned cluster reflects
// the new status so callers observe the policy.
func (r *ClusterRegistry) RemoveMember(ctx context.Context, clusterID, ticketID uint, actor string) (*database.Cluster, error) {
	var cluster database.Cluster
	autoDismissed := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&cluster, clusterID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("cluster %d: %w", clusterID, ErrNotFound)
			}
			return err
		}
		if cluster.Status != database.ClusterStatusPending {
			return fmt.Errorf("cluster %s is %s, membership is frozen: %w", cluster.UUID, cluster.Status, ErrInvalidTransition)
		}

		// Bump the version while still pending. A concurrent merge or
		// dismiss that already moved the cluster on makes this a no-op
		// and the remove loses the race.
		res := tx.Model(&database.Cluster{}).
			Where("id = ? AND status = ? AND version = ?", cluster.ID, database.ClusterStatusPending, cluster.Version).
			Update("version", cluster.Version+1)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("cluster %s was modified concurrently: %w", cluster.UUID, ErrConflict)
		}
		cluster.Version++

		release := tx.Model(&database.Ticket{}).
			Where("id = ? AND cluster_id = ?", ticketID, cluster.ID).
			Update("cluster_id", nil)
		if release.Error != nil {
			return release.Error
		}
		if release.RowsAffected == 0 {
			return fmt.Errorf("ticket %d is not a member of cluster %s: %w", ticketID, cluster.UUID, ErrNotFound)
		}

		remaining, err := memberTicketIDs(tx, cluster.ID)
		if err != nil {
			return err
		}
		if len(remaining) < 2 {
			autoDismissed = true
			return dismissClusterTx(tx, &cluster, "membership dropped below 2 after member removal")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordAudit(ctx, r.sink, audit.Event{
		Type:         audit.EventClusterMemberRemoved,
		ActorID:      actor,
		ResourceType: "cluster",
		ResourceID:   cluster.UUID,
		RelatedIDs:   idStrings([]uint{ticketID}),
		Metadata:     map[string]interface{}{"auto_dismissed": autoDismissed},
		Outcome:      audit.OutcomeSuccess,
		OccurredAt:   time.Now(),
	})
	if autoDismissed {
		recordAudit(ctx, r.sink, audit.Event{
			Type:         audit.EventClusterDismissed,
			ActorID:      "system",
			ResourceType: "cluster",
			ResourceID:   cluster.UUID,
			Metadata:     map[string]interface{}{"reason": cluster.DismissReason},
			Outcome:      audit.OutcomeSuccess,
			OccurredAt:   time.Now(),
		})
	}
	return &cluster, nil
}

// ExpireDue transitions pending clusters whose expires_at has passed to
// expired and releases their ticket claims. Returns the number expired.
func (r *ClusterRegistry) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var due []database.Cluster
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", database.ClusterStatusPending, now).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range due {
		cluster := &due[i]
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&database.Cluster{}).
				Where("id = ? AND status = ? AND version = ?", cluster.ID, database.ClusterStatusPending, cluster.Version).
				Updates(map[string]interface{}{
					"status":  database.ClusterStatusExpired,
					"version": cluster.Version + 1,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("cluster %s was modified concurrently: %w", cluster.UUID, ErrConflict)
			}
			return tx.Model(&database.Ticket{}).
				Where("cluster_id = ?", cluster.ID).
				Update("cluster_id", nil).Error
		})
		if err != nil {
			log.Printf("Failed to expire cluster %s: %v", cluster.UUID, err)
			continue
		}
		expired++
		recordAudit(ctx, r.sink, audit.Event{
			Type:         audit.EventClusterExpired,
			ActorID:      "system",
			ResourceType: "cluster",
			ResourceID:   cluster.UUID,
			Outcome:      audit.OutcomeSuccess,
			OccurredAt:   time.Now(),
		})
	}
	return expired, nil
}

// dismissClusterTx flips a pending cluster to dismissed and releases every
// remaining ticket claim. The caller holds the version bump.
func dismissClusterTx(tx *gorm.DB, cluster *database.Cluster, reason string) error {
	res := tx.Model(&database.Cluster{}).
		Where("id = ? AND status = ?", cluster.ID, database.ClusterStatusPending).
		Updates(map[string]interface{}{
			"status":         database.ClusterStatusDismissed,
			"dismiss_reason": reason,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cluster %s was modified concurrently: %w", cluster.UUID, ErrConflict)
	}
	cluster.Status = database.ClusterStatusDismissed
	cluster.DismissReason = reason
	cluster.Version++

	return tx.Model(&database.Ticket{}).
		Where("cluster_id = ?", cluster.ID).
		Update("cluster_id", nil).Error
}

// memberTicketIDs returns the IDs of tickets currently claimed by the cluster
func memberTicketIDs(tx *gorm.DB, clusterID uint) ([]uint, error) {
	var ids []uint
	err := tx.Model(&database.Ticket{}).Where("cluster_id = ?", clusterID).
		Order("created_at ASC, id ASC").Pluck("id", &ids).Error
	return ids, err
}

func dedupeIDs(ids []uint) database.IDList {
	seen := make(map[uint]bool, len(ids))
	out := make(database.IDList, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func idStrings(ids []uint) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(uint64(id), 10)
	}
	return out
}
