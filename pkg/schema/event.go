package schema

import (
	"errors"
	"strings"
	"time"
)

// ErrEventTypeRequired is returned when a usage event has no event type.
var ErrEventTypeRequired = errors.New("event_type is required")

// UsageEvent is an immutable audit record of one user-visible action.
// PseudoUserID is a caller-supplied pseudonym, never a real identity.
type UsageEvent struct {
	ID           string         `json:"id"`
	PseudoUserID *string        `json:"pseudo_user_id"`
	EventTime    time.Time      `json:"event_time"`
	EventType    string         `json:"event_type"`
	QueryHash    *string        `json:"query_hash"`
	Confidence   *float64       `json:"confidence"`
	Citations    []Citation     `json:"citations"`
	Anchors      []string       `json:"anchors"`
	Metadata     map[string]any `json:"metadata"`
}

// Validate checks the write-time invariants.
func (e UsageEvent) Validate() error {
	if strings.TrimSpace(e.EventType) == "" {
		return ErrEventTypeRequired
	}
	return nil
}

// Stamp fills in the identifier and, when absent, the event time.
func (e UsageEvent) Stamp(id string, now time.Time) UsageEvent {
	e.ID = id
	if e.EventTime.IsZero() {
		e.EventTime = now.UTC()
	}
	return e
}
