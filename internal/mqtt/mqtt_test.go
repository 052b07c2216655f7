package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/operant-box/internal/logic"
	"github.com/sweeney/operant-box/internal/ports"
)

func TestTopics(t *testing.T) {
	if got := TopicEvents("box-a"); got != "operant/box/box-a/events" {
		t.Errorf("events topic = %s", got)
	}
	if got := TopicSystem("box-a"); got != "operant/box/box-a/system" {
		t.Errorf("system topic = %s", got)
	}
}

func TestFormatPayload(t *testing.T) {
	event := logic.Event{
		Time: time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Type: logic.EventPortActivated,
		Port: 1,
		Kind: ports.Lick,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Box.Timestamp != "2026-02-02T22:18:12Z" {
		t.Errorf("unexpected timestamp: %s", parsed.Box.Timestamp)
	}
	if parsed.Box.Event != "PORT_ACTIVATED" {
		t.Errorf("unexpected event: %s", parsed.Box.Event)
	}
	if parsed.Box.Port != 1 {
		t.Errorf("unexpected port: %d", parsed.Box.Port)
	}
	if parsed.Box.Kind != "Lick" {
		t.Errorf("unexpected kind: %s", parsed.Box.Kind)
	}
	if parsed.Box.DurationMs != nil {
		t.Errorf("activation should not carry duration_ms, got %d", *parsed.Box.DurationMs)
	}
}

func TestFormatPayloadExactJSON(t *testing.T) {
	event := logic.Event{
		Time:     time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Type:     logic.EventOutPosition,
		Port:     2,
		Kind:     ports.Proximity,
		Duration: 500 * time.Millisecond,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"box":{"timestamp":"2026-02-02T22:18:12Z","event":"OUT_POSITION","port":2,"kind":"Proximity","duration_ms":500}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatPayloadAllEventTypes(t *testing.T) {
	tests := []struct {
		eventType    logic.EventType
		kind         ports.Kind
		duration     time.Duration
		wantEvent    string
		wantDuration bool
	}{
		{logic.EventPortActivated, ports.Lick, 0, "PORT_ACTIVATED", false},
		{logic.EventPortDeactivated, ports.Lick, 0, "PORT_DEACTIVATED", false},
		{logic.EventInPosition, ports.Proximity, 0, "IN_POSITION", false},
		{logic.EventOutPosition, ports.Proximity, 750 * time.Millisecond, "OUT_POSITION", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			event := logic.Event{
				Time:     time.Now(),
				Type:     tt.eventType,
				Port:     3,
				Kind:     tt.kind,
				Duration: tt.duration,
			}

			payload, err := FormatPayload(event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var parsed Payload
			if err := json.Unmarshal(payload, &parsed); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}

			if parsed.Box.Event != tt.wantEvent {
				t.Errorf("event: got %s, want %s", parsed.Box.Event, tt.wantEvent)
			}
			if tt.wantDuration {
				if parsed.Box.DurationMs == nil {
					t.Fatal("expected duration_ms")
				}
				if *parsed.Box.DurationMs != 750 {
					t.Errorf("duration_ms: got %d, want 750", *parsed.Box.DurationMs)
				}
			} else if parsed.Box.DurationMs != nil {
				t.Errorf("unexpected duration_ms: %d", *parsed.Box.DurationMs)
			}
		})
	}
}

func TestFormatPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("CET", 60*60)
	event := logic.Event{
		Time: time.Date(2026, 2, 2, 23, 18, 12, 0, loc),
		Type: logic.EventPortActivated,
		Port: 1,
		Kind: ports.Lick,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Box.Timestamp != "2026-02-02T22:18:12Z" {
		t.Errorf("timestamp not converted to UTC: %s", parsed.Box.Timestamp)
	}
}

func TestFormatSystemPayload(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFormatSystemPayloadOmitsEmptyReason(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC),
		Event:     "RECONNECTED",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	system := parsed["system"].(map[string]interface{})
	if _, exists := system["reason"]; exists {
		t.Error("RECONNECTED should not have reason field")
	}
}

func TestFormatSystemPayloadRawPassthrough(t *testing.T) {
	raw := []byte(`{"system":{"event":"STARTUP","custom":"snapshot"}}`)
	event := SystemEvent{
		Timestamp:  time.Now(),
		Event:      "STARTUP",
		RawPayload: raw,
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("raw payload not passed through:\ngot:  %s\nwant: %s", payload, raw)
	}
}

func TestWillPayloadFormat(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"MQTT_DISCONNECT"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", string(payload), expected)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	event := logic.Event{
		Time: time.Now(),
		Type: logic.EventPortActivated,
		Port: 1,
		Kind: ports.Lick,
	}

	if err := f.Publish(event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := f.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != logic.EventPortActivated {
		t.Errorf("unexpected event type: %s", events[0].Type)
	}
	if len(f.Payloads()) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(f.Payloads()))
	}
}

func TestFakePublisherError(t *testing.T) {
	f := NewFakePublisher()
	boom := errors.New("broker unreachable")
	f.SetPublishError(boom)

	err := f.Publish(logic.Event{Type: logic.EventPortActivated, Port: 1})
	if !errors.Is(err, boom) {
		t.Errorf("expected the publish error, got %v", err)
	}
	if len(f.Events()) != 0 {
		t.Error("failed publish should not record the event")
	}
}

func TestFakePublisherSystemEvents(t *testing.T) {
	f := NewFakePublisher()

	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     "STARTUP",
		Retained:  true,
	}
	if err := f.PublishSystem(event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recorded := f.SystemEvents()
	if len(recorded) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(recorded))
	}
	if recorded[0].Event != "STARTUP" {
		t.Errorf("unexpected event: %s", recorded[0].Event)
	}
	if !recorded[0].Retained {
		t.Error("retained flag not preserved")
	}
}

func TestFakePublisherPreservesEventOrder(t *testing.T) {
	f := NewFakePublisher()

	types := []logic.EventType{
		logic.EventPortActivated,
		logic.EventInPosition,
		logic.EventPortDeactivated,
		logic.EventOutPosition,
	}
	for _, typ := range types {
		if err := f.Publish(logic.Event{Time: time.Now(), Type: typ, Port: 2, Kind: ports.Proximity}); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	events := f.Events()
	if len(events) != len(types) {
		t.Fatalf("expected %d events, got %d", len(types), len(events))
	}
	for i, typ := range types {
		if events[i].Type != typ {
			t.Errorf("event %d: got %s, want %s", i, events[i].Type, typ)
		}
	}
}

func TestFakePublisherCloseAndReset(t *testing.T) {
	f := NewFakePublisher()
	f.SetConnected(true)

	if err := f.Publish(logic.Event{Type: logic.EventPortActivated, Port: 1, Kind: ports.Lick}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !f.Closed() {
		t.Error("Closed should report true")
	}
	if !f.IsConnected() {
		t.Error("IsConnected should report true")
	}

	f.Reset()
	if len(f.Events()) != 0 || f.Closed() || f.IsConnected() {
		t.Error("Reset should clear all recorded state")
	}

	// The fake stays usable after a reset.
	if err := f.Publish(logic.Event{Type: logic.EventPortActivated, Port: 1, Kind: ports.Lick}); err != nil {
		t.Fatalf("publish after reset: %v", err)
	}
	if len(f.Events()) != 1 {
		t.Errorf("expected 1 event after reset, got %d", len(f.Events()))
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	event := logic.Event{
		Time:     time.Date(2026, 2, 2, 22, 18, 12, 0, time.UTC),
		Type:     logic.EventOutPosition,
		Port:     2,
		Kind:     ports.Proximity,
		Duration: 1200 * time.Millisecond,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Box.Port != 2 || parsed.Box.Kind != "Proximity" {
		t.Errorf("port/kind mismatch: %+v", parsed.Box)
	}
	if parsed.Box.DurationMs == nil || *parsed.Box.DurationMs != 1200 {
		t.Errorf("duration mismatch: %+v", parsed.Box.DurationMs)
	}
}
