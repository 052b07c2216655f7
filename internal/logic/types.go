// Package logic contains pure business logic for event classification and
// position tracking. This package has NO hardware dependencies (no GPIO,
// MQTT, OS, or time.Sleep). Time is always injectable via time.Time
// parameters.
package logic

import (
	"time"

	"github.com/sweeney/operant-box/internal/ports"
)

// EventType represents a semantic event derived from raw port transitions.
type EventType string

const (
	EventPortActivated   EventType = "PORT_ACTIVATED"
	EventPortDeactivated EventType = "PORT_DEACTIVATED"
	EventInPosition      EventType = "IN_POSITION"
	EventOutPosition     EventType = "OUT_POSITION"
)

// Event represents a classified event to be dispatched to sinks.
type Event struct {
	Time time.Time
	Type EventType
	Port int
	Kind ports.Kind
	// Duration is set on OUT_POSITION events only: how long the subject
	// held the position.
	Duration time.Duration
}

// PositionState is the latch owned by the PositionTracker.
type PositionState struct {
	// Inside is true while a proximity port holds the subject in position.
	Inside bool
	// Port is the proximity port of the current stay, or of the last one
	// once Outside.
	Port int
	// EnteredAt is when the current or last stay began.
	EnteredAt time.Time
	// LastDuration is how long the previous stay lasted. Zero until the
	// first exit.
	LastDuration time.Duration
}

// Position is the read-side view of the position latch.
type Position struct {
	Inside bool
	Port   int
	// Duration is the live elapsed time while Inside, or the length of the
	// last stay once Outside.
	Duration  time.Duration
	EnteredAt time.Time
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	Activated   int
	Deactivated int
	InPosition  int
	OutPosition int
}

// Add increments the counter for t.
func (c *EventCounts) Add(t EventType) {
	switch t {
	case EventPortActivated:
		c.Activated++
	case EventPortDeactivated:
		c.Deactivated++
	case EventInPosition:
		c.InPosition++
	case EventOutPosition:
		c.OutPosition++
	}
}

// Total returns the sum of all counters.
func (c EventCounts) Total() int {
	return c.Activated + c.Deactivated + c.InPosition + c.OutPosition
}
