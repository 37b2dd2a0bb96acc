package services

import (
	"context"
	"log"

	"github.com/mergedesk/mergedesk/internal/audit"
)

// recordAudit delivers an event to the sink. Delivery failures are logged
// and never propagated: audit is fire-and-observe, a failed record must not
// undo the transition it describes.
func recordAudit(ctx context.Context, sink audit.Sink, event audit.Event) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, event); err != nil {
		log.Printf("Warning: failed to record audit event %s for %s %s: %v",
			event.Type, event.ResourceType, event.ResourceID, err)
	}
}
