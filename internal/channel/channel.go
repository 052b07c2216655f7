// Package channel executes state machine programs against the box
// hardware. The controller can only run one program at a time; Submit
// stages a program and Run executes it to completion, returning every raw
// transition recorded along the way.
//
// The real implementation drives the Linux GPIO character device. A
// scripted fake allows testing without hardware.
package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/operant-box/internal/fsm"
)

// ErrClosed is returned for operations on a closed channel.
var ErrClosed = errors.New("channel is closed")

// Transition is one raw notification recorded while a program ran: a
// condition identifier and the moment it fired. IDs are Port<N>In and
// Port<N>Out for input edges, and fsm.Tup for state timer expiries.
type Transition struct {
	ID string
	At time.Time
}

// Handle identifies a staged program. It is valid for exactly one Run.
type Handle struct {
	id uint64
}

// Channel runs programs on the hardware, one at a time.
type Channel interface {
	// Submit validates and stages a program.
	Submit(p fsm.Program) (Handle, error)

	// Run executes the staged program to completion and returns the
	// transitions recorded while it ran, in arrival order. Programs
	// self-terminate on their state timers, so Run always returns.
	Run(h Handle) ([]Transition, error)

	// Close releases the hardware. Valves are shut before release.
	Close() error
}

// TransportError reports an I/O failure on the hardware lines. Transient;
// the monitor retries at cycle granularity.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed program or a misuse of the
// submit/run exchange. Retrying the same call cannot succeed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Reason
}
