// Package matcher produces candidate duplicate groups from ticket data.
//
// The lifecycle engine treats matcher output as opaque input: a candidate
// group carries the member tickets, a confidence level, and structured
// matching signals explaining the grouping. The built-in FieldMatcher covers
// exact-field matching; richer scoring systems plug in behind the same
// interface.
package matcher

import (
	"context"

	"github.com/mergedesk/mergedesk/internal/database"
)

// CandidateGroup is one hypothesized set of duplicate tickets
type CandidateGroup struct {
	TicketIDs  []uint
	Confidence database.Confidence
	Signals    database.JSONB
}

// Matcher finds candidate duplicate groups within a set of tickets
type Matcher interface {
	Match(ctx context.Context, tickets []database.Ticket) ([]CandidateGroup, error)
}
