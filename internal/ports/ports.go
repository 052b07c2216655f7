// Package ports holds the static wiring of the box: which port numbers
// exist, whether each carries a lick spout or a proximity detector, and
// which GPIO pins its input and valve lines use. The registry is immutable
// once built.
package ports

import (
	"fmt"
	"sort"
)

// MaxPort is the highest behavior port number the controller exposes.
const MaxPort = 8

// Kind classifies what a port senses.
type Kind string

const (
	Lick      Kind = "Lick"
	Proximity Kind = "Proximity"
)

// ParseKind converts a config string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Lick:
		return Lick, nil
	case Proximity:
		return Proximity, nil
	}
	return "", fmt.Errorf("unknown port kind %q (want %s or %s)", s, Lick, Proximity)
}

// Config describes one wired port.
type Config struct {
	// Port is the behavior port number, 1..MaxPort.
	Port int
	Kind Kind
	// InputPin is the GPIO offset of the detector line.
	InputPin int
	// ValvePin is the GPIO offset of the reward valve line. Zero means the
	// port has no valve (GPIO 0 is reserved on the Pi header).
	ValvePin int
}

// HasValve reports whether the port can deliver rewards.
func (c Config) HasValve() bool {
	return c.ValvePin > 0
}

// UnknownPortError reports an operation against a port number that is not
// registered.
type UnknownPortError struct {
	Port int
}

func (e *UnknownPortError) Error() string {
	return fmt.Sprintf("unknown port %d", e.Port)
}

// NoValveError reports a reward request for a port with no valve line.
type NoValveError struct {
	Port int
}

func (e *NoValveError) Error() string {
	return fmt.Sprintf("port %d has no valve", e.Port)
}

// Registry is the set of configured ports, looked up by number.
type Registry struct {
	byPort map[int]Config
	order  []int
}

// NewRegistry validates the configs and builds a registry. Port numbers
// must be unique and within 1..MaxPort, every port needs an input pin, and
// no GPIO pin may be claimed twice.
func NewRegistry(configs []Config) (*Registry, error) {
	byPort := make(map[int]Config, len(configs))
	pins := make(map[int]int) // pin -> claiming port

	for _, c := range configs {
		if c.Port < 1 || c.Port > MaxPort {
			return nil, fmt.Errorf("port %d out of range 1..%d", c.Port, MaxPort)
		}
		if _, dup := byPort[c.Port]; dup {
			return nil, fmt.Errorf("port %d configured twice", c.Port)
		}
		if c.Kind != Lick && c.Kind != Proximity {
			return nil, fmt.Errorf("port %d: unknown kind %q", c.Port, c.Kind)
		}
		if c.InputPin <= 0 {
			return nil, fmt.Errorf("port %d: missing input pin", c.Port)
		}
		if c.ValvePin < 0 {
			return nil, fmt.Errorf("port %d: negative valve pin %d", c.Port, c.ValvePin)
		}
		if owner, taken := pins[c.InputPin]; taken {
			return nil, fmt.Errorf("port %d: input pin %d already used by port %d", c.Port, c.InputPin, owner)
		}
		pins[c.InputPin] = c.Port
		if c.HasValve() {
			if owner, taken := pins[c.ValvePin]; taken {
				return nil, fmt.Errorf("port %d: valve pin %d already used by port %d", c.Port, c.ValvePin, owner)
			}
			pins[c.ValvePin] = c.Port
		}
		byPort[c.Port] = c
	}

	order := make([]int, 0, len(byPort))
	for p := range byPort {
		order = append(order, p)
	}
	sort.Ints(order)

	return &Registry{byPort: byPort, order: order}, nil
}

// Lookup returns the config for port, or an UnknownPortError.
func (r *Registry) Lookup(port int) (Config, error) {
	c, ok := r.byPort[port]
	if !ok {
		return Config{}, &UnknownPortError{Port: port}
	}
	return c, nil
}

// Contains reports whether port is registered.
func (r *Registry) Contains(port int) bool {
	_, ok := r.byPort[port]
	return ok
}

// Ports returns the registered port numbers in ascending order.
func (r *Registry) Ports() []int {
	out := make([]int, len(r.order))
	copy(out, r.order)
	return out
}

// Configs returns every port config in ascending port order.
func (r *Registry) Configs() []Config {
	out := make([]Config, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.byPort[p])
	}
	return out
}

// Len returns the number of registered ports.
func (r *Registry) Len() int {
	return len(r.order)
}
