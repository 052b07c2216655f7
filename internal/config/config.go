// Package config handles configuration loading and validation for the
// operant-box daemon.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/sweeney/operant-box/internal/ports"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Box is the identifier this daemon publishes and records under.
	Box string `toml:"box"`

	// Broker is the MQTT broker URL.
	Broker string `toml:"broker"`

	// WSBroker is the websocket broker URL for browser MQTT on the
	// status page. Empty disables live updates; "=broker" derives
	// ws://<broker-host>:9001 at startup.
	WSBroker string `toml:"ws_broker"`

	// HTTPAddr is the status server listen address.
	HTTPAddr string `toml:"http_addr"`

	// Database is the SQLite path for sessions, events, and deliveries.
	Database string `toml:"database"`

	// LogLevel is the zap level: "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level"`

	// HeartbeatMs is the interval between HEARTBEAT system events.
	// Set to 0 to disable heartbeats.
	HeartbeatMs int64 `toml:"heartbeat_ms"`

	// Monitor configures the polling loop.
	Monitor MonitorConfig `toml:"monitor"`

	// Actuation configures reward delivery.
	Actuation ActuationConfig `toml:"actuation"`

	// Calibration configures valve calibration runs.
	Calibration CalibrationConfig `toml:"calibration"`

	// Ports is the box's wiring: one entry per behavior port.
	Ports []PortConfig `toml:"ports"`
}

// MonitorConfig holds the polling loop timings.
type MonitorConfig struct {
	// CycleMs is the wait-program length. One cycle is also the longest
	// a pause request waits before the loop parks.
	CycleMs int64 `toml:"cycle_ms"`

	// PausePollMs is how often a parked loop rechecks the pause gate.
	PausePollMs int64 `toml:"pause_poll_ms"`

	// RetryDelayMs is slept after a failed cycle before the next try.
	RetryDelayMs int64 `toml:"retry_delay_ms"`

	// PollMs is the GPIO line sampling interval inside a program run.
	PollMs int64 `toml:"poll_ms"`
}

// ActuationConfig holds the reward delivery policy.
type ActuationConfig struct {
	// MaxAttempts bounds submit+run tries per delivery.
	MaxAttempts int `toml:"max_attempts"`

	// RetryDelayMs is slept between delivery attempts.
	RetryDelayMs int64 `toml:"retry_delay_ms"`

	// DefaultDurationMs is the valve open time when a request carries
	// no duration.
	DefaultDurationMs int64 `toml:"default_duration_ms"`

	// MaxConcurrent bounds queued asynchronous deliveries.
	MaxConcurrent int64 `toml:"max_concurrent"`
}

// CalibrationConfig holds the pulse-train parameters for calibration
// runs. DurationsMs and Pulses are parallel arrays: run i fires Pulses[i]
// openings of DurationsMs[i] each.
type CalibrationConfig struct {
	DurationsMs []int64 `toml:"durations_ms"`
	Pulses      []int   `toml:"pulses"`

	// IntervalMs is the gap between pulses within a train.
	IntervalMs int64 `toml:"interval_ms"`
}

// PortConfig describes one wired behavior port.
type PortConfig struct {
	// Port is the behavior port number, 1..8.
	Port int `toml:"port"`

	// Kind is "Lick" or "Proximity".
	Kind string `toml:"kind"`

	// InputPin is the GPIO offset of the detector line.
	InputPin int `toml:"input_pin"`

	// ValvePin is the GPIO offset of the reward valve line. Omit for
	// ports without a valve.
	ValvePin int `toml:"valve_pin"`
}

// Default returns a configuration with sensible defaults. The box ID
// falls back to the hostname. No ports are wired by default; the box's
// layout comes from the config file.
func Default() *Config {
	box := "box"
	if host, err := os.Hostname(); err == nil && host != "" {
		box = host
	}

	return &Config{
		Box:         box,
		Broker:      "tcp://localhost:1883",
		WSBroker:    "",
		HTTPAddr:    ":80",
		Database:    "/var/lib/operant-box/events.db",
		LogLevel:    "info",
		HeartbeatMs: 900000, // 15 minutes
		Monitor: MonitorConfig{
			CycleMs:      200,
			PausePollMs:  100,
			RetryDelayMs: 500,
			PollMs:       1,
		},
		Actuation: ActuationConfig{
			MaxAttempts:       3,
			RetryDelayMs:      100,
			DefaultDurationMs: 50,
			MaxConcurrent:     4,
		},
		Calibration: CalibrationConfig{
			DurationsMs: []int64{20, 30, 40, 150},
			Pulses:      []int{60, 30, 20, 10},
			IntervalMs:  40,
		},
		Ports: []PortConfig{},
	}
}

// Load reads configuration from the given path on top of the defaults.
// An empty path returns the defaults untouched; a named file that cannot
// be read or parsed is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return validate(c)
}

// Registry builds the port registry from the configured wiring. The
// registry enforces the pin and numbering rules; Validate surfaces the
// same errors with field context.
func (c *Config) Registry() (*ports.Registry, error) {
	configs := make([]ports.Config, 0, len(c.Ports))
	for _, p := range c.Ports {
		kind, err := ports.ParseKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", p.Port, err)
		}
		configs = append(configs, ports.Config{
			Port:     p.Port,
			Kind:     kind,
			InputPin: p.InputPin,
			ValvePin: p.ValvePin,
		})
	}
	return ports.NewRegistry(configs)
}
