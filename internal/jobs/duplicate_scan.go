package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/matcher"
	"github.com/mergedesk/mergedesk/internal/services"
	"github.com/mergedesk/mergedesk/internal/utils"
)

// DuplicateScan periodically runs the matcher over unclaimed open tickets
// and registers new pending clusters for the candidate groups it finds
type DuplicateScan struct {
	db       *gorm.DB
	registry *services.ClusterRegistry
	matcher  matcher.Matcher
}

// NewDuplicateScan creates a new duplicate scan job
func NewDuplicateScan(db *gorm.DB, registry *services.ClusterRegistry, m matcher.Matcher) *DuplicateScan {
	return &DuplicateScan{db: db, registry: registry, matcher: m}
}

// Run executes one scan iteration and returns the number of clusters created
func (j *DuplicateScan) Run(ctx context.Context) (int, error) {
	settings, err := database.GetOrCreateDedupeSettings(j.db)
	if err != nil {
		return 0, err
	}
	if !settings.Enabled {
		return 0, nil
	}

	// Only unclaimed, still-workable tickets are candidates. Tickets held
	// by a pending cluster are skipped so one ticket never ends up in two
	// pending clusters.
	var tickets []database.Ticket
	err = j.db.WithContext(ctx).
		Where("status IN ? AND cluster_id IS NULL",
			[]database.TicketStatus{database.TicketStatusOpen, database.TicketStatusInProgress}).
		Order("created_at ASC").
		Limit(settings.MaxTicketsPerScan).
		Find(&tickets).Error
	if err != nil {
		return 0, err
	}
	if len(tickets) < 2 {
		return 0, nil
	}

	created := 0
	for scope, scoped := range groupByScope(tickets) {
		groups, err := j.matcher.Match(ctx, scoped)
		if err != nil {
			log.Printf("Matcher failed for scope %s/%s: %v", scope.Region, scope.Period, err)
			continue
		}

		for _, g := range groups {
			var expiresAt *time.Time
			if ttl := settings.ClusterTTL(); ttl > 0 {
				t := time.Now().Add(ttl)
				expiresAt = &t
			}

			cluster, err := j.registry.CreateCluster(ctx, scope, g.TicketIDs, g.Confidence, g.Signals, expiresAt, "system")
			if err != nil {
				// A lost claim race just means another scan or operator got
				// there first; anything else is worth logging loudly.
				if errors.Is(err, services.ErrConflict) || errors.Is(err, services.ErrInvalidCluster) {
					log.Printf("Skipping candidate group in scope %s/%s: %v", scope.Region, scope.Period, err)
					continue
				}
				return created, err
			}
			created++
			log.Printf("Created pending cluster %s (%d tickets, %s confidence)",
				cluster.UUID, len(g.TicketIDs), g.Confidence)
		}
	}
	return created, nil
}

// Start begins the periodic scanning
func (j *DuplicateScan) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			created, err := j.Run(context.Background())
			if err != nil {
				log.Printf("Duplicate scan error: %v", err)
			} else if created > 0 {
				log.Printf("Duplicate scan: created %d pending clusters in %s",
					created, utils.FormatDuration(time.Since(start)))
			}
		case <-stop:
			log.Println("Duplicate scan stopped")
			return
		}
	}
}

// groupByScope splits tickets into per-region/period batches so clusters
// never span scopes
func groupByScope(tickets []database.Ticket) map[services.ScopeKey][]database.Ticket {
	out := make(map[services.ScopeKey][]database.Ticket)
	for _, t := range tickets {
		key := services.ScopeKey{Region: t.Region, Period: t.Period}
		out[key] = append(out[key], t)
	}
	return out
}
