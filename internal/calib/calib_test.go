package calib

import (
	"errors"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}

func TestPerPulseMicroliters(t *testing.T) {
	m := Measurement{Port: 1, Duration: 20 * time.Millisecond, Pulses: 60, Grams: 0.6}
	if got := m.PerPulseMicroliters(); !almostEqual(got, 10.0) {
		t.Errorf("expected 10 µl per pulse, got %v", got)
	}

	zero := Measurement{Pulses: 0, Grams: 1.0}
	if got := zero.PerPulseMicroliters(); got != 0 {
		t.Errorf("expected 0 for zero pulses, got %v", got)
	}
}

func TestFitPerfectLineThroughOrigin(t *testing.T) {
	// 10 µl per pulse at 20ms, 20 µl per pulse at 40ms.
	ms := []Measurement{
		{Port: 1, Duration: 20 * time.Millisecond, Pulses: 60, Grams: 0.6},
		{Port: 1, Duration: 40 * time.Millisecond, Pulses: 30, Grams: 0.6},
	}
	c, err := Fit(ms)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if !almostEqual(c.Slope, 0.5) {
		t.Errorf("expected slope 0.5 µl/ms, got %v", c.Slope)
	}
	if !almostEqual(c.Intercept, 0) {
		t.Errorf("expected zero intercept, got %v", c.Intercept)
	}
	if c.Points != 2 {
		t.Errorf("expected 2 points, got %d", c.Points)
	}

	d, err := c.Duration(15)
	if err != nil {
		t.Fatalf("Duration failed: %v", err)
	}
	if d != 30*time.Millisecond {
		t.Errorf("expected 30ms for 15 µl, got %v", d)
	}
}

func TestFitWithIntercept(t *testing.T) {
	// 15 µl at 20ms and 25 µl at 40ms: slope 0.5, intercept 5.
	ms := []Measurement{
		{Port: 2, Duration: 20 * time.Millisecond, Pulses: 10, Grams: 0.15},
		{Port: 2, Duration: 40 * time.Millisecond, Pulses: 10, Grams: 0.25},
	}
	c, err := Fit(ms)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if !almostEqual(c.Slope, 0.5) || !almostEqual(c.Intercept, 5) {
		t.Errorf("expected slope 0.5 intercept 5, got %+v", c)
	}

	d, err := c.Duration(20)
	if err != nil {
		t.Fatalf("Duration failed: %v", err)
	}
	if d != 30*time.Millisecond {
		t.Errorf("expected 30ms for 20 µl, got %v", d)
	}
}

func TestFitAveragesRepeatedDurations(t *testing.T) {
	// Two measurements at 20ms (9 and 11 µl) and two at 40ms (19 and
	// 21 µl) fit the same line as their means.
	ms := []Measurement{
		{Duration: 20 * time.Millisecond, Pulses: 10, Grams: 0.09},
		{Duration: 20 * time.Millisecond, Pulses: 10, Grams: 0.11},
		{Duration: 40 * time.Millisecond, Pulses: 10, Grams: 0.19},
		{Duration: 40 * time.Millisecond, Pulses: 10, Grams: 0.21},
	}
	c, err := Fit(ms)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if !almostEqual(c.Slope, 0.5) || !almostEqual(c.Intercept, 0) {
		t.Errorf("expected slope 0.5 intercept 0, got %+v", c)
	}
}

func TestFitRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		ms   []Measurement
	}{
		{
			name: "too few measurements",
			ms:   []Measurement{{Duration: 20 * time.Millisecond, Pulses: 10, Grams: 0.1}},
		},
		{
			name: "single distinct duration",
			ms: []Measurement{
				{Duration: 20 * time.Millisecond, Pulses: 10, Grams: 0.1},
				{Duration: 20 * time.Millisecond, Pulses: 10, Grams: 0.12},
			},
		},
		{
			name: "zero pulses",
			ms: []Measurement{
				{Duration: 20 * time.Millisecond, Pulses: 0, Grams: 0.1},
				{Duration: 40 * time.Millisecond, Pulses: 10, Grams: 0.2},
			},
		},
		{
			name: "non-positive duration",
			ms: []Measurement{
				{Duration: 0, Pulses: 10, Grams: 0.1},
				{Duration: 40 * time.Millisecond, Pulses: 10, Grams: 0.2},
			},
		},
		{
			name: "negative weight",
			ms: []Measurement{
				{Duration: 20 * time.Millisecond, Pulses: 10, Grams: -0.1},
				{Duration: 40 * time.Millisecond, Pulses: 10, Grams: 0.2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Fit(tt.ms); err == nil {
				t.Error("expected fit error, got nil")
			}
		})
	}
}

func TestDurationRejectsUnreachableAmounts(t *testing.T) {
	c := Curve{Slope: 0.5, Intercept: 5}

	// 5 µl is the intercept itself: zero duration.
	if _, err := c.Duration(5); err == nil {
		t.Error("expected error for amount at the intercept")
	}
	// Below the intercept: negative duration.
	if _, err := c.Duration(2); err == nil {
		t.Error("expected error for amount below the intercept")
	}

	flat := Curve{Slope: 0, Intercept: 5}
	if _, err := flat.Duration(20); err == nil {
		t.Error("expected error for flat curve")
	}
}

func TestTablePulseDuration(t *testing.T) {
	tbl := NewTable()
	tbl.Set(1, Curve{Slope: 0.5, Intercept: 0, Points: 4})

	d, err := tbl.PulseDuration(1, 10)
	if err != nil {
		t.Fatalf("PulseDuration failed: %v", err)
	}
	if d != 20*time.Millisecond {
		t.Errorf("expected 20ms, got %v", d)
	}

	_, err = tbl.PulseDuration(2, 10)
	if !errors.Is(err, ErrNotCalibrated) {
		t.Errorf("expected ErrNotCalibrated, got %v", err)
	}

	if tbl.Ports() != 1 {
		t.Errorf("expected 1 calibrated port, got %d", tbl.Ports())
	}
}
