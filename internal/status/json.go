package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/operant-box/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Box           string        `json:"box"`
	Session       string        `json:"session,omitempty"`
	Running       bool          `json:"running"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	Position      PositionJSON  `json:"position"`
	Response      *ResponseJSON `json:"last_response,omitempty"`
	LastEvent     *EventJSON    `json:"last_event,omitempty"`
	Counts        CountsJSON    `json:"event_counts"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// PositionJSON is the JSON representation of the position latch. While the
// subject is in position ElapsedMs carries the live stay length; once it
// leaves, LastDurationMs carries the completed stay.
type PositionJSON struct {
	Inside         bool   `json:"inside"`
	Port           int    `json:"port,omitempty"`
	ElapsedMs      *int64 `json:"elapsed_ms,omitempty"`
	LastDurationMs *int64 `json:"last_duration_ms,omitempty"`
}

// FormatPosition converts a position reading into its JSON shape. Shared
// with the web /position endpoint so both surfaces agree.
func FormatPosition(p logic.Position) PositionJSON {
	out := PositionJSON{Inside: p.Inside, Port: p.Port}
	ms := p.Duration.Milliseconds()
	if p.Inside {
		out.ElapsedMs = &ms
	} else if p.Duration > 0 {
		out.LastDurationMs = &ms
	}
	return out
}

// ResponseJSON is the JSON representation of the last lick response.
type ResponseJSON struct {
	Port int    `json:"port"`
	At   string `json:"at"`
}

// EventJSON is the JSON representation of a classified event.
type EventJSON struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	Port       int    `json:"port"`
	Kind       string `json:"kind"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Activated   int `json:"activated"`
	Deactivated int `json:"deactivated"`
	InPosition  int `json:"in_position"`
	OutPosition int `json:"out_position"`
	Total       int `json:"total"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	CycleMs     int64  `json:"cycle_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	WSBroker    string `json:"ws_broker,omitempty"`
	Database    string `json:"database"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Box:           snap.Config.Box,
		Session:       snap.Session,
		Running:       snap.Running,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Position:      FormatPosition(snap.Position),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Activated:   snap.Counts.Activated,
			Deactivated: snap.Counts.Deactivated,
			InPosition:  snap.Counts.InPosition,
			OutPosition: snap.Counts.OutPosition,
			Total:       snap.Counts.Total(),
		},
		Config: ConfigJSON{
			CycleMs:     snap.Config.CycleMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			WSBroker:    snap.Config.WSBroker,
			Database:    snap.Config.Database,
		},
	}

	if snap.Response != nil {
		inner.Response = &ResponseJSON{
			Port: snap.Response.Port,
			At:   snap.Response.At.UTC().Format(time.RFC3339),
		}
	}
	if snap.LastEvent != nil {
		ev := &EventJSON{
			Timestamp: snap.LastEvent.Time.UTC().Format(time.RFC3339),
			Event:     string(snap.LastEvent.Type),
			Port:      snap.LastEvent.Port,
			Kind:      string(snap.LastEvent.Kind),
		}
		if snap.LastEvent.Type == logic.EventOutPosition {
			ms := snap.LastEvent.Duration.Milliseconds()
			ev.DurationMs = &ms
		}
		inner.LastEvent = ev
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
