//go:build !linux

package channel

import (
	"errors"
	"time"

	"github.com/sweeney/operant-box/internal/fsm"
	"github.com/sweeney/operant-box/internal/ports"
)

// DefaultChip is the GPIO character device on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// DefaultPollInterval is how often the executor samples the input lines
// while a state runs.
const DefaultPollInterval = time.Millisecond

var errUnsupported = errors.New("gpio channel requires Linux")

// GPIO is not available on non-Linux platforms.
type GPIO struct{}

var _ Channel = (*GPIO)(nil)

// NewGPIO returns an error on non-Linux platforms.
func NewGPIO(chipName string, reg *ports.Registry, poll time.Duration) (*GPIO, error) {
	return nil, errUnsupported
}

func (g *GPIO) Submit(p fsm.Program) (Handle, error) {
	return Handle{}, errUnsupported
}

func (g *GPIO) Run(h Handle) ([]Transition, error) {
	return nil, errUnsupported
}

func (g *GPIO) Close() error {
	return nil
}
