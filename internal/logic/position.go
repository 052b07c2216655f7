package logic

import (
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/operant-box/internal/ports"
)

// PositionTracker latches whether the subject is in position, derived from
// proximity port events. Safe for concurrent use: the monitor loop applies
// events while HTTP handlers read snapshots.
type PositionTracker struct {
	mu    sync.RWMutex
	state PositionState
}

// NewPositionTracker creates a tracker starting Outside.
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{}
}

// Apply feeds one classified event through the latch and returns the
// position event to emit (IN_POSITION or OUT_POSITION), or nil when the
// event does not move the latch. Non-proximity events pass through
// untouched. Anomalies (a second proximity port activating while Inside,
// or a deactivation that does not match the active port) leave the state
// unchanged and return an error for the caller to log.
func (t *PositionTracker) Apply(e Event) (*Event, error) {
	if e.Kind != ports.Proximity {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type {
	case EventPortActivated:
		if t.state.Inside {
			if e.Port == t.state.Port {
				// Repeated activation of the active port carries no
				// information.
				return nil, nil
			}
			return nil, fmt.Errorf("port %d activated while port %d holds position", e.Port, t.state.Port)
		}
		t.state.Inside = true
		t.state.Port = e.Port
		t.state.EnteredAt = e.Time
		return &Event{Time: e.Time, Type: EventInPosition, Port: e.Port, Kind: e.Kind}, nil

	case EventPortDeactivated:
		if !t.state.Inside {
			return nil, fmt.Errorf("port %d deactivated while nothing holds position", e.Port)
		}
		if e.Port != t.state.Port {
			return nil, fmt.Errorf("port %d deactivated while port %d holds position", e.Port, t.state.Port)
		}
		dur := e.Time.Sub(t.state.EnteredAt)
		t.state.Inside = false
		t.state.LastDuration = dur
		return &Event{Time: e.Time, Type: EventOutPosition, Port: e.Port, Kind: e.Kind, Duration: dur}, nil
	}

	return nil, nil
}

// PositionAt returns the latch state with Duration computed against now:
// live elapsed time while Inside, the last stay's length once Outside.
func (t *PositionTracker) PositionAt(now time.Time) Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p := Position{
		Inside:    t.state.Inside,
		Port:      t.state.Port,
		EnteredAt: t.state.EnteredAt,
	}
	if t.state.Inside {
		p.Duration = now.Sub(t.state.EnteredAt)
	} else {
		p.Duration = t.state.LastDuration
	}
	return p
}

// State returns a copy of the raw latch state.
func (t *PositionTracker) State() PositionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}
