package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types for the device stream
const (
	EventDeviceRegistered = "device_registered"
	EventDeviceLinked     = "device_linked"
	EventDeviceExchanged  = "device_exchanged"
	EventTokenRefreshed   = "token_refreshed"
	EventTokenRevoked     = "token_revoked"
)

// Stream names
const (
	StreamDevices = "stream:devices"
)

// Consumer group name for audit workers
const (
	ConsumerGroupAudit = "device_audit"
)

// DeviceEvent is one device lifecycle event on the stream.
// It never carries a raw token or a full pairing code.
type DeviceEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
	DeviceID  string `json:"device_id"`
	UserID    int64  `json:"user_id,omitempty"`
}

// NewDeviceEvent stamps an event with the current time.
func NewDeviceEvent(eventType, deviceID string, userID int64) DeviceEvent {
	return DeviceEvent{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		DeviceID:  deviceID,
		UserID:    userID,
	}
}

// OccurredAt returns the event timestamp as a time.Time.
func (e DeviceEvent) OccurredAt() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// ToMap converts the event to a map for Redis XADD.
// Redis Streams store field-value pairs, so the event is JSON in a "data" field.
func (e DeviceEvent) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return map[string]interface{}{
		"type": e.Type,
		"data": string(data),
	}, nil
}

// ParseDeviceEvent parses a DeviceEvent from Redis stream message values.
func ParseDeviceEvent(values map[string]interface{}) (DeviceEvent, error) {
	data, ok := values["data"].(string)
	if !ok {
		return DeviceEvent{}, fmt.Errorf("missing or invalid 'data' field")
	}

	var event DeviceEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return DeviceEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.Type == "" || event.DeviceID == "" {
		return DeviceEvent{}, fmt.Errorf("event missing type or device_id")
	}
	return event, nil
}
