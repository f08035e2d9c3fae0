package history

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/frankfrisby/backbone/internal/events"
)

// RegisterListeners wires the history store to the event bus: every
// job-completed event from the dispatcher becomes one audit row. The
// dispatcher never talks to the store directly.
func RegisterListeners(bus *events.Bus, store *Store, log zerolog.Logger) {
	log = log.With().Str("component", "history_listeners").Logger()

	bus.Subscribe(events.JobCompleted, func(event *events.Event) {
		entry := Entry{
			JobID:      stringField(event.Data, "job_id"),
			Kind:       stringField(event.Data, "kind"),
			Domain:     stringField(event.Data, "domain"),
			Class:      stringField(event.Data, "class"),
			Error:      stringField(event.Data, "error"),
			RecordedAt: event.Timestamp,
		}
		if success, ok := event.Data["success"].(bool); ok {
			entry.Success = success
		}
		if tokens, ok := event.Data["tokens_used"].(int64); ok {
			entry.TokensUsed = tokens
		}
		if err := store.Record(entry); err != nil {
			log.Error().Err(err).Str("job_id", entry.JobID).Msg("Failed to record job completion")
		}
	})

	bus.Subscribe(events.JobFired, func(event *events.Event) {
		entry := Entry{
			JobID:      stringField(event.Data, "job_id"),
			Kind:       "proactive:" + stringField(event.Data, "type"),
			RecordedAt: time.Now(),
		}
		if success, ok := event.Data["success"].(bool); ok {
			entry.Success = success
		}
		if err := store.Record(entry); err != nil {
			log.Error().Err(err).Str("job_id", entry.JobID).Msg("Failed to record proactive fire")
		}
	})
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}
