package services

import "gorm.io/gorm"

// ScopeKey identifies the region/period slice an operation works on.
// Scoping is always an explicit parameter, never ambient request state.
type ScopeKey struct {
	Region string
	Period string // e.g. "2026-08"
}

// IsZero reports whether no scope was supplied
func (s ScopeKey) IsZero() bool {
	return s.Region == "" && s.Period == ""
}

// Apply narrows a query to the scope. Empty components are not filtered,
// so a ScopeKey{Region: "emea"} matches all periods in that region.
func (s ScopeKey) Apply(db *gorm.DB) *gorm.DB {
	if s.Region != "" {
		db = db.Where("region = ?", s.Region)
	}
	if s.Period != "" {
		db = db.Where("period = ?", s.Period)
	}
	return db
}
