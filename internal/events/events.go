// Package events publishes dialogue lifecycle events to downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/wbattistetti/omnia/internal/models"
)

// Type names a dialogue lifecycle event.
type Type string

const (
	// TypeCompleted is emitted when a dialogue accepts its value.
	TypeCompleted Type = "dialogue.completed"
	// TypeEscalationExhausted is emitted when a counter fails past its last
	// level. Consumers hand the conversation off to a human.
	TypeEscalationExhausted Type = "dialogue.escalation_exhausted"
)

// Event is the payload published for a lifecycle transition.
type Event struct {
	Type       Type                  `json:"type"`
	DialogueID string                `json:"dialogue_id"`
	TemplateID string                `json:"template_id,omitempty"`
	FieldID    string                `json:"field_id"`
	Failure    models.FailureKind    `json:"failure,omitempty"`
	Result     models.DialogueResult `json:"result"`
	At         time.Time             `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(ctx context.Context, ev Event) error { return nil }

// Recorder keeps published events in memory. It backs tests and local runs
// without a broker.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
