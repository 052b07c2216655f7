// Package fsm describes the short state machine programs the hardware
// channel executes: named states with timers, transition tables, and valve
// outputs. Programs are pure data with no hardware dependencies; the
// channel package compiles and runs them.
package fsm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tup is the condition fired when a state's timer expires.
const Tup = "Tup"

// Exit is the reserved transition target that ends a program run.
const Exit = "exit"

// Output drives a valve line for as long as its state is active.
type Output struct {
	// Valve is the port whose valve opens while the state runs. Zero means
	// no valve output.
	Valve int
}

// State is a single state of a program.
type State struct {
	Name string
	// Timer bounds how long the state can run before Tup fires.
	Timer time.Duration
	// Outputs are asserted when the state is entered and released when it
	// is left.
	Outputs []Output
	// Transitions maps condition names to the next state's name, or Exit.
	Transitions map[string]string
}

// Program is a complete state machine. Execution starts at States[0] and
// ends when a transition targets Exit.
type Program struct {
	Name   string
	States []State
}

// Validate reports whether the program is well-formed and guaranteed to
// terminate: every state must carry a positive timer and a Tup transition,
// so no state can outlive its own timer, and every transition target must
// name a state of the program or Exit.
func (p Program) Validate() error {
	if len(p.States) == 0 {
		return fmt.Errorf("program %q has no states", p.Name)
	}

	names := make(map[string]bool, len(p.States))
	for _, s := range p.States {
		if s.Name == "" {
			return fmt.Errorf("program %q has a state with an empty name", p.Name)
		}
		if s.Name == Exit {
			return fmt.Errorf("program %q uses reserved state name %q", p.Name, Exit)
		}
		if names[s.Name] {
			return fmt.Errorf("program %q has duplicate state %q", p.Name, s.Name)
		}
		names[s.Name] = true
	}

	byName := make(map[string]State, len(p.States))
	for _, s := range p.States {
		if s.Timer <= 0 {
			return fmt.Errorf("state %q has no timer", s.Name)
		}
		if _, ok := s.Transitions[Tup]; !ok {
			return fmt.Errorf("state %q has no %s transition", s.Name, Tup)
		}
		for cond, target := range s.Transitions {
			if target != Exit && !names[target] {
				return fmt.Errorf("state %q transition %s targets unknown state %q", s.Name, cond, target)
			}
		}
		byName[s.Name] = s
	}

	// A quiet box fires nothing but timers, so following only Tup edges
	// must reach Exit from every state.
	for _, s := range p.States {
		seen := make(map[string]bool)
		cur := s.Name
		for cur != Exit {
			if seen[cur] {
				return fmt.Errorf("state %q cannot reach %s on %s alone", s.Name, Exit, Tup)
			}
			seen[cur] = true
			cur = byName[cur].Transitions[Tup]
		}
	}

	return nil
}

// PortIn returns the condition name for port's input line going active.
func PortIn(port int) string {
	return "Port" + strconv.Itoa(port) + "In"
}

// PortOut returns the condition name for port's input line going inactive.
func PortOut(port int) string {
	return "Port" + strconv.Itoa(port) + "Out"
}

// ParsePortEvent splits a Port<N>In or Port<N>Out condition name into its
// port number and direction. ok is false for anything else, including Tup.
func ParsePortEvent(name string) (port int, in bool, ok bool) {
	rest, found := strings.CutPrefix(name, "Port")
	if !found {
		return 0, false, false
	}
	if num, isIn := strings.CutSuffix(rest, "In"); isIn {
		if p, err := strconv.Atoi(num); err == nil {
			return p, true, true
		}
		return 0, false, false
	}
	if num, isOut := strings.CutSuffix(rest, "Out"); isOut {
		if p, err := strconv.Atoi(num); err == nil {
			return p, false, true
		}
	}
	return 0, false, false
}
