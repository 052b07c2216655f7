package store

import (
	"fmt"
	"time"

	"github.com/sweeney/operant-box/internal/calib"
)

// InsertMeasurement records one calibration weighing.
func (s *Store) InsertMeasurement(m calib.Measurement, measuredAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO calibrations (port, measured_at_ns, duration_ms, pulses, grams)
		VALUES (?, ?, ?, ?, ?)`,
		m.Port, measuredAt.UnixNano(), m.Duration.Milliseconds(), m.Pulses, m.Grams,
	)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

// Measurements returns every weighing for one port, oldest first.
func (s *Store) Measurements(port int) ([]calib.Measurement, error) {
	return s.queryMeasurements(`
		SELECT port, duration_ms, pulses, grams
		FROM calibrations
		WHERE port = ?
		ORDER BY measured_at_ns ASC, id ASC`, port)
}

// AllMeasurements returns every weighing grouped by port.
func (s *Store) AllMeasurements() ([]calib.Measurement, error) {
	return s.queryMeasurements(`
		SELECT port, duration_ms, pulses, grams
		FROM calibrations
		ORDER BY port ASC, measured_at_ns ASC, id ASC`)
}

func (s *Store) queryMeasurements(query string, args ...any) ([]calib.Measurement, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	var ms []calib.Measurement
	for rows.Next() {
		var (
			m          calib.Measurement
			durationMs int64
		)
		if err := rows.Scan(&m.Port, &durationMs, &m.Pulses, &m.Grams); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		m.Duration = time.Duration(durationMs) * time.Millisecond
		ms = append(ms, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate measurements: %w", err)
	}
	return ms, nil
}

// LoadCalibration fits a curve per port from the stored weighings. Ports
// whose measurements cannot support a fit are left out of the table, not
// reported as errors; a box is allowed to run with some valves
// uncalibrated.
func (s *Store) LoadCalibration() (*calib.Table, error) {
	ms, err := s.AllMeasurements()
	if err != nil {
		return nil, err
	}

	byPort := make(map[int][]calib.Measurement)
	for _, m := range ms {
		byPort[m.Port] = append(byPort[m.Port], m)
	}

	table := calib.NewTable()
	for port, pm := range byPort {
		curve, err := calib.Fit(pm)
		if err != nil {
			continue
		}
		table.Set(port, curve)
	}
	return table, nil
}
