// Package event defines journal events and the in-process bus that
// dispatches them to subscribers.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingType is returned when a journal entry has no "event" field.
var ErrMissingType = errors.New("journal entry has no event type")

// Event is one journal entry. It is immutable once published.
type Event struct {
	// Seq is assigned by the Bus in publish order, starting at 1.
	Seq uint64
	// Type is the journal "event" field, e.g. "FSDJump".
	Type string
	// Timestamp is the journal "timestamp" field. Zero when absent or malformed.
	Timestamp time.Time
	// Raw is the complete JSON object as read from the source.
	Raw json.RawMessage
}

type header struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
}

// Parse decodes a single journal line.
//
// Precondition: line must contain one JSON object.
// Postcondition: Returns an Event with Seq zero, or a non-nil error.
func Parse(line []byte) (Event, error) {
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}, fmt.Errorf("decoding journal entry: %w", err)
	}
	if h.Event == "" {
		return Event{}, ErrMissingType
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	e := Event{Type: h.Event, Raw: raw}
	if h.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, h.Timestamp); err == nil {
			e.Timestamp = ts
		}
	}
	return e, nil
}
