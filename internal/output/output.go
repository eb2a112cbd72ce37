// Package output defines destinations for per-row classification events.
package output

import (
	"context"

	"github.com/crimson-sun/triage/internal/model"
)

// Event is the outcome of classifying one row under one profile.
type Event struct {
	Row        int          `json:"row"`
	ID         string       `json:"id,omitempty"`
	Profile    string       `json:"profile"`
	Field      string       `json:"field"`
	Label      string       `json:"label,omitempty"`
	Confidence float64      `json:"confidence"`
	Method     model.Method `json:"method"`
	Examples   []string     `json:"examples,omitempty"`
}

// NewEvent builds an Event from an engine outcome.
func NewEvent(row int, id, profile, field string, out model.Outcome) Event {
	return Event{
		Row:        row,
		ID:         id,
		Profile:    profile,
		Field:      field,
		Label:      out.Label,
		Confidence: out.Confidence,
		Method:     out.Method,
		Examples:   out.Examples,
	}
}

// NeedsReview reports whether the event was left for a human.
func NeedsReview(e Event) bool {
	return model.Outcome{Label: e.Label, Method: e.Method}.NeedsReview()
}

// Output defines the interface for event destinations.
type Output interface {
	Write(ctx context.Context, event Event) error
	Close() error
}
