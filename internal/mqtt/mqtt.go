// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/operant-box/internal/logic"
)

// TopicEvents returns the behavioral event topic for one box.
func TopicEvents(boxID string) string {
	return "operant/box/" + boxID + "/events"
}

// TopicSystem returns the system lifecycle topic for one box.
func TopicSystem(boxID string) string {
	return "operant/box/" + boxID + "/system"
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a behavioral event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Box BoxPayload `json:"box"`
}

// BoxPayload contains the behavioral event details.
type BoxPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Port      int    `json:"port"`
	Kind      string `json:"kind"`
	// DurationMs is present only on events that carry a duration.
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// FormatPayload creates the JSON payload for a behavioral event.
func FormatPayload(event logic.Event) ([]byte, error) {
	bp := BoxPayload{
		Timestamp: event.Time.UTC().Format(time.RFC3339),
		Event:     string(event.Type),
		Port:      event.Port,
		Kind:      string(event.Kind),
	}
	if event.Type == logic.EventOutPosition {
		ms := event.Duration.Milliseconds()
		bp.DurationMs = &ms
	}
	return json.Marshal(Payload{Box: bp})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
