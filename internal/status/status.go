// Package status provides a thread-safe status tracker for the operant-box
// daemon. It sits on the monitor's event stream as a sink and is read by
// HTTP handlers and MQTT system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/operant-box/internal/logic"
	"github.com/sweeney/operant-box/internal/ports"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Box         string
	Broker      string
	HTTPAddr    string
	WSBroker    string // Websocket broker URL for browser MQTT (empty = disabled)
	Database    string
	CycleMs     int64
	HeartbeatMs int64
}

// Response is the most recent lick, latched so a trial layer can poll the
// subject's choice without replaying the event stream.
type Response struct {
	Port int
	At   time.Time
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Running       bool
	Session       string
	Counts        logic.EventCounts
	LastEvent     *logic.Event
	Response      *Response
	Position      logic.Position
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex. It implements the
// monitor's sink interface so classified events update it as they happen.
type Tracker struct {
	mu            sync.RWMutex
	running       bool
	session       string
	counts        logic.EventCounts
	lastEvent     *logic.Event
	response      *Response
	mqttConnected bool
	network       *NetworkInfo
	startTime     time.Time
	cfg           Config

	// pos is read live at snapshot time; the monitor owns the writes.
	pos *logic.PositionTracker
}

// NewTracker creates a Tracker with the given start time and config. The
// position tracker may be nil when no proximity ports are wired.
func NewTracker(startTime time.Time, cfg Config, pos *logic.PositionTracker) *Tracker {
	return &Tracker{
		startTime: startTime,
		cfg:       cfg,
		pos:       pos,
	}
}

// Record accepts one classified event: counts it, remembers it as the last
// event, and latches lick activations as the current response. Called from
// the monitor loop for every dispatched event. It never fails.
func (t *Tracker) Record(e logic.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts.Add(e.Type)
	ev := e
	t.lastEvent = &ev
	if e.Kind == ports.Lick && e.Type == logic.EventPortActivated {
		t.response = &Response{Port: e.Port, At: e.Time}
	}
	return nil
}

// SetRunning sets whether the monitor loop is running.
func (t *Tracker) SetRunning(running bool) {
	t.mu.Lock()
	t.running = running
	t.mu.Unlock()
}

// SetSession sets the recording session ID.
func (t *Tracker) SetSession(id string) {
	t.mu.Lock()
	t.session = id
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.mqttConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state. The Now field
// is set to the current time at the moment of the call, and Position is
// computed against it.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		Running:       t.running,
		Session:       t.session,
		Counts:        t.counts,
		MQTTConnected: t.mqttConnected,
		Network:       t.network,
		StartTime:     t.startTime,
		Config:        t.cfg,
	}
	if t.lastEvent != nil {
		ev := *t.lastEvent
		s.LastEvent = &ev
	}
	if t.response != nil {
		r := *t.response
		s.Response = &r
	}
	t.mu.RUnlock()

	s.Now = time.Now()
	if t.pos != nil {
		s.Position = t.pos.PositionAt(s.Now)
	}
	return s
}
