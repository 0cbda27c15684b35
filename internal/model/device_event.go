package model

import (
	"time"
)

// DeviceEvent is one row of the device lifecycle audit trail.
type DeviceEvent struct {
	ID         int64     `db:"id" json:"id"`
	Type       string    `db:"event_type" json:"type"`
	DeviceID   string    `db:"device_id" json:"device_id"`
	UserID     *int64    `db:"user_id" json:"user_id,omitempty"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
	StreamID   string    `db:"stream_id" json:"-"`
}
