package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one inbound domain occurrence (patent, publication, funding round, signal update).
// Params: event type, field map read by conditions, and occurrence timestamp.
// Returns: immutable input for rule evaluation.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Fields    map[string]any `json:"fields"`
	Timestamp time.Time      `json:"timestamp"`
}

// Lookup resolves dotted field path against event fields.
// Params: path like "patentId" or "assignee.name".
// Returns: field value and presence flag.
func (e Event) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || e.Fields == nil {
		return nil, false
	}
	if value, ok := e.Fields[path]; ok {
		return value, true
	}
	var current any = e.Fields
	for _, part := range strings.Split(path, ".") {
		typed, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := typed[part]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Document renders event into a matched-document snapshot.
// Params: none.
// Returns: map with id/type/timestamp/fields keys.
func (e Event) Document() map[string]any {
	doc := map[string]any{
		"type":      e.Type,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"fields":    e.Fields,
	}
	if e.ID != "" {
		doc["id"] = e.ID
	}
	return doc
}

// DecodeEvent decodes and validates one event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// DecodeEventReader decodes and validates one event payload from stream.
// Params: reader with one JSON object.
// Returns: validated event or decode/validation error.
func DecodeEventReader(reader *json.Decoder) (Event, error) {
	var event Event
	if err := reader.Decode(&event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// DecodeEventsReader decodes and validates one batch of events from stream.
// Params: reader with one JSON array of events.
// Returns: validated events slice or decode/validation error.
func DecodeEventsReader(reader *json.Decoder) ([]Event, error) {
	var events []Event
	if err := reader.Decode(&events); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("event batch must contain at least one event")
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	return events, nil
}

// Validate validates one event against the inbound feed contract.
// Params: event fields parsed from transport.
// Returns: validation error when schema is violated.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("type is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Fields == nil {
		return errors.New("fields are required")
	}
	return nil
}
