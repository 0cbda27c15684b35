package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"devicelink/internal/model"
)

type deviceEventRepository struct {
	db *sqlx.DB
}

func NewDeviceEventRepository(db *sqlx.DB) DeviceEventRepository {
	return &deviceEventRepository{db: db}
}

// Create appends an audit row. stream_id is unique, so a message redelivered after a
// consumer crash lands once.
func (r *deviceEventRepository) Create(ctx context.Context, e *model.DeviceEvent) error {
	query := `
		INSERT INTO device_events (event_type, device_id, user_id, occurred_at, stream_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stream_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, e.Type, e.DeviceID, e.UserID, e.OccurredAt, e.StreamID); err != nil {
		return fmt.Errorf("failed to insert device event: %w", err)
	}
	return nil
}

func (r *deviceEventRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.DeviceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, event_type, device_id, user_id, occurred_at, stream_id
		FROM device_events
		WHERE device_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`
	events := []model.DeviceEvent{}
	if err := r.db.SelectContext(ctx, &events, query, deviceID, limit); err != nil {
		return nil, fmt.Errorf("failed to list device events: %w", err)
	}
	return events, nil
}
