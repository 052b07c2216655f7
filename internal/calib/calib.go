// Package calib fits valve-opening durations to delivered liquid volumes.
// Calibration sessions deliver pulse trains at a handful of durations, the
// operator weighs the water, and the fitted line is solved backwards when
// a reward is requested by volume instead of by duration.
package calib

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotCalibrated is returned when a port has no fitted curve.
var ErrNotCalibrated = errors.New("port is not calibrated")

// Measurement is one weighed calibration point: Pulses valve openings of
// Duration each delivered Grams of water in total.
type Measurement struct {
	Port     int
	Duration time.Duration
	Pulses   int
	Grams    float64
}

// PerPulseMicroliters returns the measured volume of a single pulse.
// One gram of water is a thousand microliters.
func (m Measurement) PerPulseMicroliters() float64 {
	if m.Pulses <= 0 {
		return 0
	}
	return m.Grams * 1000.0 / float64(m.Pulses)
}

// Curve is a linear fit of pulse duration to delivered volume:
// microliters = Slope*duration_ms + Intercept.
type Curve struct {
	// Slope is in microliters per millisecond.
	Slope float64
	// Intercept is in microliters.
	Intercept float64
	// Points is how many measurements are behind the fit.
	Points int
}

// Fit least-squares a line through the (duration, per-pulse volume)
// points. Measurements at two or more distinct durations are required to
// determine a slope.
func Fit(ms []Measurement) (Curve, error) {
	if len(ms) < 2 {
		return Curve{}, fmt.Errorf("need at least 2 measurements, have %d", len(ms))
	}

	distinct := make(map[time.Duration]bool)
	var sx, sy, sxx, sxy float64
	for _, m := range ms {
		if m.Duration <= 0 {
			return Curve{}, fmt.Errorf("measurement with non-positive duration %v", m.Duration)
		}
		if m.Pulses <= 0 {
			return Curve{}, fmt.Errorf("measurement with %d pulses", m.Pulses)
		}
		if m.Grams < 0 {
			return Curve{}, fmt.Errorf("measurement with negative weight %.3f g", m.Grams)
		}
		distinct[m.Duration] = true

		x := float64(m.Duration) / float64(time.Millisecond)
		y := m.PerPulseMicroliters()
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	if len(distinct) < 2 {
		return Curve{}, errors.New("need measurements at two or more distinct durations")
	}

	// Distinct durations guarantee a nonzero denominator.
	n := float64(len(ms))
	denom := n*sxx - sx*sx
	slope := (n*sxy - sx*sy) / denom
	intercept := (sy - slope*sx) / n

	return Curve{Slope: slope, Intercept: intercept, Points: len(ms)}, nil
}

// Duration solves the curve for the valve duration that delivers ul
// microliters.
func (c Curve) Duration(ul float64) (time.Duration, error) {
	if c.Slope <= 0 {
		return 0, fmt.Errorf("curve slope %.4f µl/ms cannot be solved", c.Slope)
	}
	msec := (ul - c.Intercept) / c.Slope
	if msec <= 0 {
		return 0, fmt.Errorf("%.1f µl solves to a non-positive duration", ul)
	}
	return time.Duration(msec * float64(time.Millisecond)), nil
}

// Table holds the fitted curve per port.
type Table struct {
	curves map[int]Curve
}

// NewTable creates an empty calibration table.
func NewTable() *Table {
	return &Table{curves: make(map[int]Curve)}
}

// Set stores the curve for port, replacing any earlier fit.
func (t *Table) Set(port int, c Curve) {
	t.curves[port] = c
}

// Curve returns the fitted curve for port.
func (t *Table) Curve(port int) (Curve, bool) {
	c, ok := t.curves[port]
	return c, ok
}

// PulseDuration returns the valve duration that delivers ul microliters on
// port, or ErrNotCalibrated when the port has no curve.
func (t *Table) PulseDuration(port int, ul float64) (time.Duration, error) {
	c, ok := t.curves[port]
	if !ok {
		return 0, fmt.Errorf("port %d: %w", port, ErrNotCalibrated)
	}
	return c.Duration(ul)
}

// Ports returns how many ports have curves.
func (t *Table) Ports() int {
	return len(t.curves)
}
