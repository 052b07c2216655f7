package main

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/operant-box/internal/config"
	"github.com/sweeney/operant-box/internal/mqtt"
	"github.com/sweeney/operant-box/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper
// writes to /run/pi-helper.env. If pi-helper changes its var names, this
// test fails and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "LabNet")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	if info.Type != "wifi" {
		t.Errorf("Type: got %q", info.Type)
	}
	if info.IP != "192.168.1.100" {
		t.Errorf("IP: got %q", info.IP)
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q", info.Status)
	}
	if info.Gateway != "192.168.1.1" {
		t.Errorf("Gateway: got %q", info.Gateway)
	}
	if info.WifiStatus != "connected" {
		t.Errorf("WifiStatus: got %q", info.WifiStatus)
	}
	if info.SSID != "LabNet" {
		t.Errorf("SSID: got %q", info.SSID)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")

	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q", info.Status)
	}
	if info.Type != "" || info.IP != "" {
		t.Errorf("expected empty Type and IP, got %q and %q", info.Type, info.IP)
	}
}

func TestResolveWSBroker(t *testing.T) {
	tests := []struct {
		name   string
		ws     string
		broker string
		want   string
	}{
		{"empty disables", "", "tcp://192.168.1.200:1883", ""},
		{"explicit passthrough", "ws://example.com:9001", "tcp://192.168.1.200:1883", "ws://example.com:9001"},
		{"derived from broker", "=broker", "tcp://192.168.1.200:1883", "ws://192.168.1.200:9001"},
		{"derived replaces port", "=broker", "ssl://broker.lab:8883", "ws://broker.lab:9001"},
		{"unparseable broker", "=broker", "::::", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveWSBroker(tt.ws, tt.broker, zap.NewNop())
			if got != tt.want {
				t.Errorf("resolveWSBroker(%q, %q): got %q, want %q", tt.ws, tt.broker, got, tt.want)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	applyOverrides(cfg, "tcp://other:1883", ":9090", "/tmp/test.db", true)

	if cfg.Broker != "tcp://other:1883" {
		t.Errorf("Broker: got %q", cfg.Broker)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr: got %q", cfg.HTTPAddr)
	}
	if cfg.Database != "/tmp/test.db" {
		t.Errorf("Database: got %q", cfg.Database)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q", cfg.LogLevel)
	}
}

func TestApplyOverridesKeepsConfig(t *testing.T) {
	cfg := config.Default()
	broker, addr, db, level := cfg.Broker, cfg.HTTPAddr, cfg.Database, cfg.LogLevel

	applyOverrides(cfg, "", "", "", false)

	if cfg.Broker != broker || cfg.HTTPAddr != addr || cfg.Database != db || cfg.LogLevel != level {
		t.Errorf("empty overrides changed the config: %+v", cfg)
	}
}

func TestSignalName(t *testing.T) {
	if got := signalName(syscall.SIGINT); got != "SIGINT" {
		t.Errorf("SIGINT: got %q", got)
	}
	if got := signalName(syscall.SIGTERM); got != "SIGTERM" {
		t.Errorf("SIGTERM: got %q", got)
	}
	if got := signalName(syscall.SIGHUP); got != "UNKNOWN" {
		t.Errorf("SIGHUP: got %q", got)
	}
}

func TestParseDeliverSpec(t *testing.T) {
	tests := []struct {
		spec     string
		port     int
		duration time.Duration
		wantErr  bool
	}{
		{"1", 1, 0, false},
		{"2:40", 2, 40 * time.Millisecond, false},
		{"8:150", 8, 150 * time.Millisecond, false},
		{"", 0, 0, true},
		{"x", 0, 0, true},
		{"0", 0, 0, true},
		{"-1", 0, 0, true},
		{"1:", 0, 0, true},
		{"1:0", 0, 0, true},
		{"1:x", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			port, duration, err := parseDeliverSpec(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDeliverSpec(%q): %v", tt.spec, err)
			}
			if port != tt.port || duration != tt.duration {
				t.Errorf("got (%d, %v), want (%d, %v)", port, duration, tt.port, tt.duration)
			}
		})
	}
}

func TestParseWeighSpec(t *testing.T) {
	tests := []struct {
		spec    string
		port    int
		ms      int64
		grams   float64
		wantErr bool
	}{
		{"1:20:1.36", 1, 20, 1.36, false},
		{"3:150:2.5", 3, 150, 2.5, false},
		{"1:20:0", 1, 20, 0, false},
		{"", 0, 0, 0, true},
		{"1:20", 0, 0, 0, true},
		{"1:20:1.3:9", 0, 0, 0, true},
		{"x:20:1.3", 0, 0, 0, true},
		{"1:x:1.3", 0, 0, 0, true},
		{"1:0:1.3", 0, 0, 0, true},
		{"1:20:x", 0, 0, 0, true},
		{"1:20:-1", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			port, ms, grams, err := parseWeighSpec(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseWeighSpec(%q): %v", tt.spec, err)
			}
			if port != tt.port || ms != tt.ms || grams != tt.grams {
				t.Errorf("got (%d, %d, %v), want (%d, %d, %v)", port, ms, grams, tt.port, tt.ms, tt.grams)
			}
		})
	}
}

func TestPulsesForDuration(t *testing.T) {
	c := config.Default().Calibration

	if pulses, ok := pulsesForDuration(c, 20); !ok || pulses != 60 {
		t.Errorf("20ms: got (%d, %v), want (60, true)", pulses, ok)
	}
	if pulses, ok := pulsesForDuration(c, 150); !ok || pulses != 10 {
		t.Errorf("150ms: got (%d, %v), want (10, true)", pulses, ok)
	}
	if _, ok := pulsesForDuration(c, 25); ok {
		t.Error("25ms is not in the run table, want a miss")
	}
}

// --- waitLoop tests ---

func newMainTracker() *status.Tracker {
	return status.NewTracker(time.Now(), status.Config{
		Box:         "bench",
		Broker:      "tcp://localhost:1883",
		HTTPAddr:    ":8080",
		Database:    "/tmp/operant-test.db",
		CycleMs:     200,
		HeartbeatMs: 900000,
	}, nil)
}

// runWaitLoop drives waitLoop with the given number of heartbeat ticks
// followed by a signal, returning the reason it reports.
func runWaitLoop(t *testing.T, pub *mqtt.FakePublisher, tracker *status.Tracker, heartbeat chan time.Time, beats int, s os.Signal) string {
	t.Helper()
	sig := make(chan os.Signal, 1)
	out := make(chan string, 1)
	go func() {
		out <- waitLoop(pub, pub, tracker, zap.NewNop(), nil, heartbeat, sig)
	}()

	for i := 0; i < beats; i++ {
		heartbeat <- time.Time{}
	}
	sig <- s
	return <-out
}

func TestWaitLoopShutdownSIGTERM(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	reason := runWaitLoop(t, pub, newMainTracker(), nil, 0, syscall.SIGTERM)

	if reason != "SIGTERM" {
		t.Errorf("reason: got %q, want SIGTERM", reason)
	}
	if n := len(pub.SystemEvents()); n != 0 {
		t.Errorf("expected no system events from the loop itself, got %d", n)
	}
}

func TestWaitLoopShutdownSIGINT(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	reason := runWaitLoop(t, pub, newMainTracker(), nil, 0, syscall.SIGINT)

	if reason != "SIGINT" {
		t.Errorf("reason: got %q, want SIGINT", reason)
	}
}

func TestWaitLoopHeartbeat(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	heartbeat := make(chan time.Time)

	runWaitLoop(t, pub, newMainTracker(), heartbeat, 2, syscall.SIGTERM)

	events := pub.SystemEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 heartbeat events, got %d", len(events))
	}
	for i, se := range events {
		if se.Event != "HEARTBEAT" {
			t.Errorf("event %d: got %q, want HEARTBEAT", i, se.Event)
		}
		if se.Retained {
			t.Errorf("event %d: heartbeats must not be retained", i)
		}
		if !bytes.Contains(se.RawPayload, []byte(`"HEARTBEAT"`)) {
			t.Errorf("event %d payload missing HEARTBEAT: %s", i, se.RawPayload)
		}
	}
}

func TestWaitLoopHeartbeatRefreshesState(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "10.0.0.7")

	pub := mqtt.NewFakePublisher()
	pub.SetConnected(true)
	tracker := newMainTracker()
	heartbeat := make(chan time.Time)

	runWaitLoop(t, pub, tracker, heartbeat, 1, syscall.SIGTERM)

	snap := tracker.Snapshot()
	if !snap.MQTTConnected {
		t.Error("heartbeat should refresh the MQTT flag")
	}
	if snap.Network == nil || snap.Network.IP != "10.0.0.7" {
		t.Errorf("heartbeat should refresh network info, got %+v", snap.Network)
	}

	events := pub.SystemEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 heartbeat event, got %d", len(events))
	}
	if !bytes.Contains(events[0].RawPayload, []byte("10.0.0.7")) {
		t.Errorf("heartbeat payload missing network info: %s", events[0].RawPayload)
	}
}

func TestWaitLoopRefreshUpdatesMQTT(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.SetConnected(true)
	tracker := newMainTracker()
	refresh := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	out := make(chan string, 1)

	go func() {
		out <- waitLoop(pub, pub, tracker, zap.NewNop(), refresh, nil, sig)
	}()
	refresh <- time.Time{}
	sig <- syscall.SIGTERM
	<-out

	if !tracker.Snapshot().MQTTConnected {
		t.Error("refresh tick should update the MQTT flag")
	}
	if n := len(pub.SystemEvents()); n != 0 {
		t.Errorf("refresh ticks must not publish, got %d system events", n)
	}
}

func TestWaitLoopPublishErrorKeepsRunning(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.SetPublishSystemError(errors.New("broker unavailable"))
	heartbeat := make(chan time.Time)

	reason := runWaitLoop(t, pub, newMainTracker(), heartbeat, 2, syscall.SIGTERM)

	if reason != "SIGTERM" {
		t.Errorf("loop should survive publish failures, got reason %q", reason)
	}
}

func TestPublishSystemRetention(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	tracker := newMainTracker()

	publishSystem(pub, tracker, zap.NewNop(), "STARTUP", "")
	publishSystem(pub, tracker, zap.NewNop(), "HEARTBEAT", "")
	publishSystem(pub, tracker, zap.NewNop(), "SHUTDOWN", "SIGTERM")

	events := pub.SystemEvents()
	if len(events) != 3 {
		t.Fatalf("expected 3 system events, got %d", len(events))
	}
	if !events[0].Retained || events[1].Retained || !events[2].Retained {
		t.Errorf("retention: got %v/%v/%v, want true/false/true",
			events[0].Retained, events[1].Retained, events[2].Retained)
	}
	if events[2].Reason != "SIGTERM" {
		t.Errorf("shutdown reason: got %q", events[2].Reason)
	}
	if !bytes.Contains(events[2].RawPayload, []byte(`"SIGTERM"`)) {
		t.Errorf("shutdown payload missing reason: %s", events[2].RawPayload)
	}
}
