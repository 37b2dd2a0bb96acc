package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"gorm.io/gorm"

	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/utils"
)

// SlackSink posts merge and revert events to a Slack channel so support
// operators see destructive transitions without watching the dashboard.
// Cluster bookkeeping events are skipped to keep the channel readable.
// Delivery is toggled at runtime by the slack_notifications setting; the
// bot token only supplies the credential.
type SlackSink struct {
	db      *gorm.DB
	client  *slack.Client
	channel string
}

// NewSlackSink creates a Slack sink for the given bot token and channel
func NewSlackSink(db *gorm.DB, botToken, channel string) *SlackSink {
	return &SlackSink{
		db:      db,
		client:  slack.New(botToken),
		channel: channel,
	}
}

// Record posts the event to the configured channel
func (s *SlackSink) Record(ctx context.Context, event Event) error {
	if event.Type != EventMergeCompleted && event.Type != EventMergeReverted {
		return nil
	}
	settings, err := database.GetOrCreateDedupeSettings(s.db.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to load settings for Slack sink: %w", err)
	}
	if !settings.SlackNotifications {
		return nil
	}

	_, _, err = s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(formatSlackMessage(event), false))
	if err != nil {
		return fmt.Errorf("failed to post audit event to Slack: %w", err)
	}
	return nil
}

func formatSlackMessage(event Event) string {
	var b strings.Builder

	switch event.Type {
	case EventMergeCompleted:
		b.WriteString(":link: *Tickets merged*")
	case EventMergeReverted:
		b.WriteString(":leftwards_arrow_with_hook: *Merge reverted*")
	default:
		b.WriteString(event.Type)
	}

	fmt.Fprintf(&b, "\n%s `%s` by %s", event.ResourceType, event.ResourceID, event.ActorID)
	if len(event.RelatedIDs) > 0 {
		fmt.Fprintf(&b, "\ntickets: %s", strings.Join(event.RelatedIDs, ", "))
	}
	if behavior, ok := event.Metadata["behavior"].(string); ok {
		fmt.Fprintf(&b, "\nbehavior: %s", behavior)
	}
	if reason, ok := event.Metadata["reason"].(string); ok && reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", utils.TruncateText(reason, 200))
	}
	return b.String()
}
