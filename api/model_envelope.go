package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type EventType string

const (
	EventType_StatusChanged EventType = "status-changed"
	EventType_Progress      EventType = "progress"
	EventType_AlertRaised   EventType = "alert-raised"
	EventType_AlertResolved EventType = "alert-resolved"
	EventType_Notification  EventType = "notification"
)

// EventTypes lists every event type the push channel may carry.
var EventTypes = []EventType{
	EventType_StatusChanged,
	EventType_Progress,
	EventType_AlertRaised,
	EventType_AlertResolved,
	EventType_Notification,
}

func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Envelope is a message crossing the push channel. Payload is left raw so that
// subscribers, not the transport, decide how to interpret it.
type Envelope struct {
	EventType EventType
	Timestamp time.Time
	Payload   json.RawMessage
}

type envelopeFrame struct {
	EventType EventType       `json:"eventType" validate:"required,oneof=status-changed progress alert-raised alert-resolved notification"`
	Timestamp string          `json:"timestamp" validate:"required"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

var validate = validator.New()

// ParseEnvelope decodes an inbound frame of the form
// {"eventType": ..., "timestamp": <RFC 3339>, "data": {...}}.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var frame envelopeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := validate.Struct(frame); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope timestamp %q: %w", frame.Timestamp, err)
	}
	return Envelope{
		EventType: frame.EventType,
		Timestamp: ts,
		Payload:   frame.Data,
	}, nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	data := e.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return json.Marshal(envelopeFrame{
		EventType: e.EventType,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
