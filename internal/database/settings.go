package database

import "time"

// DedupeSettings controls duplicate detection and merge lifecycle behavior
type DedupeSettings struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Enabled             bool      `gorm:"default:true" json:"enabled"`
	RevertWindowHours   int       `gorm:"default:24" json:"revert_window_hours"`    // How long a merge stays revertible
	ClusterTTLHours     int       `gorm:"default:72" json:"cluster_ttl_hours"`      // Pending clusters expire after this; 0 disables expiry
	ScanIntervalMinutes int       `gorm:"default:5" json:"scan_interval_minutes"`   // Duplicate scan job cadence
	MaxTicketsPerScan   int       `gorm:"default:200" json:"max_tickets_per_scan"`  // Cap on tickets fed to the matcher per scan
	SlackNotifications  bool      `gorm:"default:false" json:"slack_notifications"` // Post merge/revert events to Slack
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (DedupeSettings) TableName() string {
	return "dedupe_settings"
}

// NewDefaultDedupeSettings returns settings with default values
func NewDefaultDedupeSettings() *DedupeSettings {
	return &DedupeSettings{
		Enabled:             true,
		RevertWindowHours:   24,
		ClusterTTLHours:     72,
		ScanIntervalMinutes: 5,
		MaxTicketsPerScan:   200,
		SlackNotifications:  false,
	}
}

// RevertWindow returns the revert window as a duration
func (s *DedupeSettings) RevertWindow() time.Duration {
	return time.Duration(s.RevertWindowHours) * time.Hour
}

// ClusterTTL returns the pending-cluster lifetime as a duration.
// A zero value means clusters never expire.
func (s *DedupeSettings) ClusterTTL() time.Duration {
	return time.Duration(s.ClusterTTLHours) * time.Hour
}
