//go:build linux

package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/operant-box/internal/fsm"
	"github.com/sweeney/operant-box/internal/ports"
)

// DefaultChip is the GPIO character device on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// DefaultPollInterval is how often the executor samples the input lines
// while a state runs.
const DefaultPollInterval = time.Millisecond

// GPIO executes programs host-side over the GPIO character device. Input
// lines are sampled at the poll interval; every level change is recorded
// as a Port<N>In/Out transition. Input levels persist across runs, so an
// edge on the gap between two programs is reported by the next run.
type GPIO struct {
	chip   *gpiocdev.Chip
	order  []int
	inputs map[int]*gpiocdev.Line
	valves map[int]*gpiocdev.Line
	poll   time.Duration

	mu     sync.Mutex
	levels map[int]int
	staged *stagedProgram
	nextID uint64
	closed bool
}

type stagedProgram struct {
	id      uint64
	program fsm.Program
	states  map[string]fsm.State
}

var _ Channel = (*GPIO)(nil)

// NewGPIO opens the chip and requests the input and valve lines for every
// registered port. Inputs are requested with pull-down to match Pi boot
// defaults; valves start closed. The initial input levels are read here so
// the first run reports only real edges.
func NewGPIO(chipName string, reg *ports.Registry, poll time.Duration) (*GPIO, error) {
	if chipName == "" {
		chipName = DefaultChip
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	g := &GPIO{
		chip:   chip,
		order:  reg.Ports(),
		inputs: make(map[int]*gpiocdev.Line),
		valves: make(map[int]*gpiocdev.Line),
		levels: make(map[int]int),
		poll:   poll,
	}

	for _, c := range reg.Configs() {
		line, err := chip.RequestLine(c.InputPin, gpiocdev.AsInput, gpiocdev.WithPullDown)
		if err != nil {
			g.releaseLines()
			return nil, fmt.Errorf("request port %d input pin %d: %w", c.Port, c.InputPin, err)
		}
		g.inputs[c.Port] = line

		v, err := line.Value()
		if err != nil {
			g.releaseLines()
			return nil, fmt.Errorf("read port %d input pin %d: %w", c.Port, c.InputPin, err)
		}
		g.levels[c.Port] = v

		if c.HasValve() {
			valve, err := chip.RequestLine(c.ValvePin, gpiocdev.AsOutput(0))
			if err != nil {
				g.releaseLines()
				return nil, fmt.Errorf("request port %d valve pin %d: %w", c.Port, c.ValvePin, err)
			}
			g.valves[c.Port] = valve
		}
	}

	return g, nil
}

// Submit validates and stages a program. Only one program may be staged at
// a time.
func (g *GPIO) Submit(p fsm.Program) (Handle, error) {
	if err := p.Validate(); err != nil {
		return Handle{}, &ProtocolError{Reason: err.Error()}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return Handle{}, &TransportError{Op: "submit", Err: ErrClosed}
	}
	if g.staged != nil {
		return Handle{}, &ProtocolError{Reason: fmt.Sprintf("program %q already staged", g.staged.program.Name)}
	}

	states := make(map[string]fsm.State, len(p.States))
	for _, s := range p.States {
		states[s.Name] = s
	}

	g.nextID++
	g.staged = &stagedProgram{id: g.nextID, program: p, states: states}
	return Handle{id: g.nextID}, nil
}

// Run executes the staged program. The mutex is held for the whole run,
// so a second program cannot start until this one exits.
func (g *GPIO) Run(h Handle) ([]Transition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, &TransportError{Op: "run", Err: ErrClosed}
	}
	if g.staged == nil || g.staged.id != h.id {
		return nil, &ProtocolError{Reason: "handle does not match the staged program"}
	}

	st := g.staged
	g.staged = nil
	return g.execute(st)
}

func (g *GPIO) execute(st *stagedProgram) (recorded []Transition, err error) {
	defer func() {
		if offErr := g.shutValves(); offErr != nil && err == nil {
			err = offErr
		}
	}()

	current := st.program.States[0]
	for {
		if err := g.applyOutputs(current.Outputs); err != nil {
			return recorded, err
		}

		target, runErr := g.runState(current, &recorded)

		// Outputs are scoped to their state.
		if offErr := g.shutValves(); offErr != nil && runErr == nil {
			runErr = offErr
		}
		if runErr != nil {
			return recorded, runErr
		}
		if target == fsm.Exit {
			return recorded, nil
		}

		next, ok := st.states[target]
		if !ok {
			return recorded, &ProtocolError{Reason: fmt.Sprintf("transition to unknown state %q", target)}
		}
		current = next
	}
}

// runState samples the input lines until a transition leaves the state,
// recording every edge it sees. Conditions that self-loop or are absent
// from the transition table keep the running timer, so the state's Timer
// stays an upper bound on its duration. A final sweep runs after the
// deadline so edges from the last poll gap are not lost.
func (g *GPIO) runState(s fsm.State, recorded *[]Transition) (string, error) {
	deadline := time.Now().Add(s.Timer)
	for {
		for _, port := range g.order {
			line := g.inputs[port]
			v, err := line.Value()
			if err != nil {
				return "", &TransportError{Op: fmt.Sprintf("read port %d input", port), Err: err}
			}
			if v == g.levels[port] {
				continue
			}
			g.levels[port] = v

			id := fsm.PortOut(port)
			if v != 0 {
				id = fsm.PortIn(port)
			}
			*recorded = append(*recorded, Transition{ID: id, At: time.Now()})

			if target, ok := s.Transitions[id]; ok && target != s.Name {
				return target, nil
			}
		}

		now := time.Now()
		if !now.Before(deadline) {
			*recorded = append(*recorded, Transition{ID: fsm.Tup, At: now})
			return s.Transitions[fsm.Tup], nil
		}
		time.Sleep(g.poll)
	}
}

func (g *GPIO) applyOutputs(outs []fsm.Output) error {
	for _, o := range outs {
		if o.Valve == 0 {
			continue
		}
		line, ok := g.valves[o.Valve]
		if !ok {
			return &ProtocolError{Reason: fmt.Sprintf("no valve line for port %d", o.Valve)}
		}
		if err := line.SetValue(1); err != nil {
			return &TransportError{Op: fmt.Sprintf("open valve %d", o.Valve), Err: err}
		}
	}
	return nil
}

// shutValves closes every valve. Called on state exit and on every error
// path so a failed program can never leave liquid flowing.
func (g *GPIO) shutValves() error {
	var errs []error
	for port, line := range g.valves {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("close valve %d: %w", port, err))
		}
	}
	if len(errs) > 0 {
		return &TransportError{Op: "close valves", Err: errors.Join(errs...)}
	}
	return nil
}

// Close shuts every valve, reconfigures all lines to input with pull-down
// (matching Pi boot defaults), and releases the chip.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	for port, line := range g.valves {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("close valve %d: %w", port, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure valve pin for port %d: %w", port, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release valve line for port %d: %w", port, err))
		}
	}
	for port, line := range g.inputs {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure input pin for port %d: %w", port, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release input line for port %d: %w", port, err))
		}
	}
	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// releaseLines is the construction-failure cleanup path.
func (g *GPIO) releaseLines() {
	for _, line := range g.inputs {
		line.Close()
	}
	for _, line := range g.valves {
		line.Close()
	}
	g.chip.Close()
}
