package strategy

import (
	"context"
	"fmt"

	"github.com/craftport/podsync/pkg/webhook"
	"github.com/rs/zerolog"
)

// EventRouter maps webhook event names to item processors. Batch item IDs
// from the webhook pipeline carry the event name, so one router instance
// serves as the processor for every webhook-originated batch.
type EventRouter struct {
	handlers map[string]func(ctx context.Context, subjectID string) error
	logger   zerolog.Logger
}

// NewEventRouter creates an empty router.
func NewEventRouter(logger zerolog.Logger) *EventRouter {
	return &EventRouter{
		handlers: make(map[string]func(ctx context.Context, subjectID string) error),
		logger:   logger.With().Str("strategy", "event_router").Logger(),
	}
}

// Handle registers fn for the given event name, replacing any previous
// registration. Not safe for concurrent use with Process; register
// everything during startup.
func (r *EventRouter) Handle(event string, fn func(ctx context.Context, subjectID string) error) {
	r.handlers[event] = fn
}

// Process decodes a webhook item ID and dispatches to the registered
// handler. Unknown events fail the item so they surface in the batch's
// error detail instead of vanishing.
func (r *EventRouter) Process(ctx context.Context, itemID string) error {
	event, subjectID, err := webhook.ParseItemID(itemID)
	if err != nil {
		itemsSynced.WithLabelValues("event_router", "failed").Inc()
		return err
	}

	fn, ok := r.handlers[event]
	if !ok {
		itemsSynced.WithLabelValues("event_router", "failed").Inc()
		return fmt.Errorf("no handler registered for event %q", event)
	}

	if err := fn(ctx, subjectID); err != nil {
		itemsSynced.WithLabelValues("event_router", "failed").Inc()
		return fmt.Errorf("handle %s for %s: %w", event, subjectID, err)
	}

	itemsSynced.WithLabelValues("event_router", "applied").Inc()
	r.logger.Debug().Str("event", event).Str("subject_id", subjectID).Msg("Applied webhook event")
	return nil
}
