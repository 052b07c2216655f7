package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func validate(c *Config) error {
	var errs ValidationErrors

	if c.Box == "" {
		errs = append(errs, ValidationError{
			Field:   "box",
			Message: "box identifier is required",
		})
	}

	if c.Broker == "" {
		errs = append(errs, ValidationError{
			Field:   "broker",
			Message: "broker URL is required",
		})
	} else if !isValidBrokerURL(c.Broker) {
		errs = append(errs, ValidationError{
			Field:   "broker",
			Message: fmt.Sprintf("invalid broker URL: %s (want tcp://, ssl://, ws://, or wss://)", c.Broker),
		})
	}

	if c.WSBroker != "" && c.WSBroker != "=broker" && !isValidWSURL(c.WSBroker) {
		errs = append(errs, ValidationError{
			Field:   "ws_broker",
			Message: fmt.Sprintf("invalid websocket broker URL: %s (want ws:// or wss://)", c.WSBroker),
		})
	}

	if c.HTTPAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "http_addr",
			Message: "HTTP listen address is required",
		})
	}

	if c.Database == "" {
		errs = append(errs, ValidationError{
			Field:   "database",
			Message: "database path is required",
		})
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel),
		})
	}

	if c.HeartbeatMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "heartbeat_ms",
			Message: "heartbeat interval cannot be negative",
		})
	}

	errs = append(errs, validateMonitor(&c.Monitor)...)
	errs = append(errs, validateActuation(&c.Actuation)...)
	errs = append(errs, validateCalibration(&c.Calibration)...)
	errs = append(errs, validatePorts(c)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors

	if m.CycleMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "monitor.cycle_ms",
			Message: "cycle must be at least 1ms",
		})
	}
	if m.PausePollMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "monitor.pause_poll_ms",
			Message: "pause poll must be at least 1ms",
		})
	}
	if m.RetryDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.retry_delay_ms",
			Message: "retry delay cannot be negative",
		})
	}
	if m.PollMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "monitor.poll_ms",
			Message: "line poll must be at least 1ms",
		})
	}

	return errs
}

func validateActuation(a *ActuationConfig) ValidationErrors {
	var errs ValidationErrors

	if a.MaxAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "actuation.max_attempts",
			Message: "max attempts must be at least 1",
		})
	}
	if a.RetryDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "actuation.retry_delay_ms",
			Message: "retry delay cannot be negative",
		})
	}
	if a.DefaultDurationMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "actuation.default_duration_ms",
			Message: "default duration must be at least 1ms",
		})
	}
	if a.MaxConcurrent < 1 {
		errs = append(errs, ValidationError{
			Field:   "actuation.max_concurrent",
			Message: "max concurrent must be at least 1",
		})
	}

	return errs
}

func validateCalibration(c *CalibrationConfig) ValidationErrors {
	var errs ValidationErrors

	if len(c.DurationsMs) != len(c.Pulses) {
		errs = append(errs, ValidationError{
			Field:   "calibration",
			Message: fmt.Sprintf("durations_ms and pulses must be parallel arrays, have %d and %d entries", len(c.DurationsMs), len(c.Pulses)),
		})
	}
	for i, d := range c.DurationsMs {
		if d < 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("calibration.durations_ms[%d]", i),
				Message: "pulse duration must be at least 1ms",
			})
		}
	}
	for i, p := range c.Pulses {
		if p < 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("calibration.pulses[%d]", i),
				Message: "pulse count must be at least 1",
			})
		}
	}
	if c.IntervalMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "calibration.interval_ms",
			Message: "pulse interval cannot be negative",
		})
	}

	return errs
}

func validatePorts(c *Config) ValidationErrors {
	var errs ValidationErrors

	// The registry owns the numbering and pin rules; kinds are checked
	// per entry so the error names the field.
	for i, p := range c.Ports {
		if p.Kind != "Lick" && p.Kind != "Proximity" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("ports[%d].kind", i),
				Message: fmt.Sprintf("unknown kind %q (valid: Lick, Proximity)", p.Kind),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}

	if _, err := c.Registry(); err != nil {
		errs = append(errs, ValidationError{
			Field:   "ports",
			Message: err.Error(),
		})
	}

	return errs
}

func isValidBrokerURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "tcp", "ssl", "ws", "wss", "mqtt":
		return u.Host != ""
	}
	return false
}

func isValidWSURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}
