package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"devicelink/internal/model"
	"devicelink/internal/queue"
	"devicelink/internal/repository"
)

// AuditHandler persists device lifecycle events from the stream into the audit table.
type AuditHandler struct {
	events repository.DeviceEventRepository
}

func NewAuditHandler(events repository.DeviceEventRepository) *AuditHandler {
	return &AuditHandler{events: events}
}

// HandleMessage stores one event. The stream message ID is the row's idempotency key,
// so redelivery after a crash does not duplicate the row.
func (h *AuditHandler) HandleMessage(ctx context.Context, msg queue.Message) error {
	event := msg.Event
	if event.Type == "" {
		slog.Warn("skipping malformed event", "component", "audit", "msg_id", msg.ID)
		return nil
	}

	startTime := time.Now()
	row := &model.DeviceEvent{
		Type:       event.Type,
		DeviceID:   event.DeviceID,
		OccurredAt: event.OccurredAt(),
		StreamID:   msg.ID,
	}
	if event.UserID != 0 {
		userID := event.UserID
		row.UserID = &userID
	}

	if err := h.events.Create(ctx, row); err != nil {
		return fmt.Errorf("store %s event: %w", event.Type, err)
	}

	slog.Debug("event stored", "component", "audit", "msg_id", msg.ID, "type", event.Type,
		"device_id", event.DeviceID, "duration", time.Since(startTime))
	return nil
}
