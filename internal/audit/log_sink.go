package audit

import (
	"context"
	"encoding/json"
	"log"
	"strings"
)

// LogSink writes audit events to the process log.
// Always installed so transitions remain observable without external sinks.
type LogSink struct{}

// NewLogSink creates a new log sink
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Record writes the event as a single log line
func (s *LogSink) Record(ctx context.Context, event Event) error {
	var meta string
	if len(event.Metadata) > 0 {
		if b, err := json.Marshal(event.Metadata); err == nil {
			meta = " " + string(b)
		}
	}
	related := ""
	if len(event.RelatedIDs) > 0 {
		related = " related=" + strings.Join(event.RelatedIDs, ",")
	}
	log.Printf("audit: %s %s/%s actor=%s outcome=%s%s%s",
		event.Type, event.ResourceType, event.ResourceID, event.ActorID, event.Outcome, related, meta)
	return nil
}

// MultiSink fans out each event to every configured sink.
// The first delivery error is returned after all sinks have been attempted.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that records to all the given sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Record delivers the event to every sink
func (s *MultiSink) Record(ctx context.Context, event Event) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
