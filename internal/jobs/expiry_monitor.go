package jobs

import (
	"context"
	"log"
	"time"

	"github.com/mergedesk/mergedesk/internal/services"
)

// ExpiryMonitor transitions pending clusters past their expires_at to
// expired, releasing their ticket claims
type ExpiryMonitor struct {
	registry *services.ClusterRegistry
}

// NewExpiryMonitor creates a new expiry monitor
func NewExpiryMonitor(registry *services.ClusterRegistry) *ExpiryMonitor {
	return &ExpiryMonitor{registry: registry}
}

// Run executes one iteration and returns the number of clusters expired
func (m *ExpiryMonitor) Run(ctx context.Context) (int, error) {
	return m.registry.ExpireDue(ctx, time.Now())
}

// Start begins the periodic monitoring
func (m *ExpiryMonitor) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired, err := m.Run(context.Background())
			if err != nil {
				log.Printf("Expiry monitor error: %v", err)
			} else if expired > 0 {
				log.Printf("Expiry monitor: expired %d pending clusters", expired)
			}
		case <-stop:
			log.Println("Expiry monitor stopped")
			return
		}
	}
}
