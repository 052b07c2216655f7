package logic

import (
	"time"

	"github.com/sweeney/operant-box/internal/fsm"
	"github.com/sweeney/operant-box/internal/ports"
)

// Outcome says what Classify decided about a raw identifier.
type Outcome int

const (
	// OutcomeEvent: the identifier produced a semantic event.
	OutcomeEvent Outcome = iota
	// OutcomeDiscard: internal housekeeping such as a timer expiry,
	// dropped silently.
	OutcomeDiscard
	// OutcomeUnknownPort: a port-shaped identifier for an unregistered
	// port, dropped but worth a warning.
	OutcomeUnknownPort
)

// Classifier turns raw transition identifiers into semantic events using
// the port registry.
type Classifier struct {
	reg *ports.Registry
}

// NewClassifier creates a classifier over the given registry.
func NewClassifier(reg *ports.Registry) *Classifier {
	return &Classifier{reg: reg}
}

// Classify maps one raw identifier observed at the given time. Tup and
// anything else that is not a Port<N>In/Out identifier is discarded. Port
// identifiers for unregistered ports report OutcomeUnknownPort so the
// caller can log a warning; they never produce an event.
func (c *Classifier) Classify(id string, at time.Time) (Event, Outcome) {
	port, in, ok := fsm.ParsePortEvent(id)
	if !ok {
		return Event{}, OutcomeDiscard
	}

	cfg, err := c.reg.Lookup(port)
	if err != nil {
		return Event{}, OutcomeUnknownPort
	}

	typ := EventPortDeactivated
	if in {
		typ = EventPortActivated
	}
	return Event{Time: at, Type: typ, Port: port, Kind: cfg.Kind}, OutcomeEvent
}
