// internal/eventstore/event.go
package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one immutable entry in an aggregate's stream.
type Event struct {
	ID            int64             `json:"id" db:"id"`
	AggregateID   uuid.UUID         `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string            `json:"aggregate_type" db:"aggregate_type"`
	EventType     string            `json:"event_type" db:"event_type"`
	EventData     json.RawMessage   `json:"event_data" db:"event_data"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"-"`
	Version       int               `json:"version" db:"version"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// NewEvent encodes payload as the event body.
func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{EventType: eventType, EventData: data}, nil
}

// Decode unmarshals the event body into v.
func (e Event) Decode(v interface{}) error {
	return codec.Unmarshal(e.EventData, v)
}
