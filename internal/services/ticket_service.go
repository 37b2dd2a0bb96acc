package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/database"
)

// TicketService provides read access to tickets and the note-segment
// mutations used by the combine_notes merge behavior. Status mutations on
// tickets happen only through the merge and revert engines.
type TicketService struct {
	db *gorm.DB
}

// NewTicketService creates a new TicketService
func NewTicketService(db *gorm.DB) *TicketService {
	return &TicketService{db: db}
}

// TicketFilter narrows ticket listings. Zero values mean "no filter".
type TicketFilter struct {
	Status database.TicketStatus
	From   time.Time
	To     time.Time
}

// GetTicket retrieves a ticket by ID
func (s *TicketService) GetTicket(ctx context.Context, id uint) (*database.Ticket, error) {
	var ticket database.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &ticket, nil
}

// GetTicketByUUID retrieves a ticket by its external UUID
func (s *TicketService) GetTicketByUUID(ctx context.Context, uuid string) (*database.Ticket, error) {
	var ticket database.Ticket
	if err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&ticket).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("ticket %s: %w", uuid, ErrNotFound)
		}
		return nil, err
	}
	return &ticket, nil
}

// ListTickets returns one page of tickets in the given scope matching the
// filter, newest first, along with the total match count. A limit of 0
// returns everything.
func (s *TicketService) ListTickets(ctx context.Context, scope ScopeKey, filter TicketFilter, limit, offset int) ([]database.Ticket, int64, error) {
	var tickets []database.Ticket
	query := scope.Apply(s.db.WithContext(ctx).Model(&database.Ticket{}))
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
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
	err := query.Order("created_at DESC").Find(&tickets).Error
	return tickets, total, err
}

// AppendNote appends tagged text to a ticket's description and records the
// segment so it can be removed exactly later
func (s *TicketService) AppendNote(ctx context.Context, ticketID uint, text, tag string) (*database.NoteSegment, error) {
	var segment *database.NoteSegment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		segment, err = appendNoteSegment(tx, 0, ticketID, 0, text, tag)
		return err
	})
	if err != nil {
		return nil, err
	}
	return segment, nil
}

// RemoveNoteSegment removes the tagged segment from the ticket's description.
// Removing a tag that is no longer present is a no-op, so revert stays
// idempotent against edits that already stripped the text.
func (s *TicketService) RemoveNoteSegment(ctx context.Context, ticketID uint, tag string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return removeNoteSegment(tx, ticketID, tag)
	})
}

// appendNoteSegment appends text to the ticket's description inside tx and
// records a NoteSegment row holding the exact appended content.
func appendNoteSegment(tx *gorm.DB, mergeOpID, ticketID, sourceTicketID uint, text, tag string) (*database.NoteSegment, error) {
	var ticket database.Ticket
	if err := tx.First(&ticket, ticketID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("ticket %d: %w", ticketID, ErrNotFound)
		}
		return nil, err
	}

	if err := tx.Model(&database.Ticket{}).Where("id = ?", ticketID).
		Update("description", ticket.Description+text).Error; err != nil {
		return nil, err
	}

	segment := &database.NoteSegment{
		TicketID:         ticketID,
		MergeOperationID: mergeOpID,
		SourceTicketID:   sourceTicketID,
		Tag:              tag,
		Content:          text,
	}
	if err := tx.Create(segment).Error; err != nil {
		return nil, err
	}
	return segment, nil
}

// removeNoteSegment strips the tagged segment's exact content from the
// ticket's description and deletes the segment row. Unrelated text before
// or after the segment is left intact.
func removeNoteSegment(tx *gorm.DB, ticketID uint, tag string) error {
	var segment database.NoteSegment
	err := tx.Where("ticket_id = ? AND tag = ?", ticketID, tag).First(&segment).Error
	if err == gorm.ErrRecordNotFound {
		return nil // already removed
	}
	if err != nil {
		return err
	}

	var ticket database.Ticket
	if err := tx.First(&ticket, ticketID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("ticket %d: %w", ticketID, ErrNotFound)
		}
		return err
	}

	if idx := strings.Index(ticket.Description, segment.Content); idx >= 0 {
		updated := ticket.Description[:idx] + ticket.Description[idx+len(segment.Content):]
		if err := tx.Model(&database.Ticket{}).Where("id = ?", ticketID).
			Update("description", updated).Error; err != nil {
			return err
		}
	}

	return tx.Delete(&segment).Error
}
