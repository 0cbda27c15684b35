package service

import (
	"context"
	"log/slog"
	"time"

	"devicelink/internal/metrics"
	"devicelink/internal/queue"
)

const publishTimeout = 500 * time.Millisecond

// eventSink publishes device lifecycle events. Publishing is best effort: a failure
// is logged and counted but never fails the operation that produced the event.
type eventSink struct {
	pub     queue.Publisher
	metrics *metrics.Metrics
}

func (s eventSink) emit(ctx context.Context, eventType, deviceID string, userID int64) {
	if s.pub == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	_, err := s.pub.Publish(pubCtx, queue.StreamDevices, queue.NewDeviceEvent(eventType, deviceID, userID))
	s.metrics.EventPublished(eventType, err)
	if err != nil {
		slog.Warn("device event dropped", "component", "events", "type", eventType, "device_id", deviceID, "error", err)
	}
}
