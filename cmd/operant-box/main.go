// Command operant-box runs the behavioral controller for one conditioning
// box: it polls the port detectors in a background loop, publishes
// classified events over MQTT, records sessions to SQLite, and serves the
// status page and actuation API over HTTP. Bench flags cover one-shot
// valve tests and calibration runs without starting the daemon.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sweeney/operant-box/internal/calib"
	"github.com/sweeney/operant-box/internal/channel"
	"github.com/sweeney/operant-box/internal/config"
	"github.com/sweeney/operant-box/internal/logic"
	"github.com/sweeney/operant-box/internal/metric"
	"github.com/sweeney/operant-box/internal/monitor"
	"github.com/sweeney/operant-box/internal/mqtt"
	"github.com/sweeney/operant-box/internal/status"
	"github.com/sweeney/operant-box/internal/store"
	"github.com/sweeney/operant-box/internal/web"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (empty runs on defaults)")
	broker := flag.String("broker", "", "Override the MQTT broker address")
	httpAddr := flag.String("http", "", "Override the HTTP status address")
	database := flag.String("db", "", "Override the SQLite database path")
	debug := flag.Bool("debug", false, "Force debug logging")
	check := flag.Bool("check", false, "Validate the config, probe the GPIO channel, and exit")
	deliver := flag.String("deliver", "", `Deliver one reward ("port" or "port:ms") and exit`)
	calibrate := flag.Int("calibrate", 0, "Run the calibration pulse trains on this port and exit")
	weigh := flag.String("weigh", "", `Record a calibration weighing ("port:ms:grams") and exit`)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	applyOverrides(cfg, *broker, *httpAddr, *database, *debug)
	if err := cfg.Validate(); err != nil {
		fatalf("%v", err)
	}

	if *check {
		if err := printCheck(cfg); err != nil {
			fatalf("%v", err)
		}
		return
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	switch {
	case *deliver != "":
		err = runDeliver(cfg, logger, *deliver)
	case *calibrate > 0:
		err = runCalibrate(cfg, logger, *calibrate)
	case *weigh != "":
		err = runWeigh(cfg, *weigh)
	default:
		err = run(cfg, logger)
	}
	if err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "operant-box: "+format+"\n", args...)
	os.Exit(1)
}

// applyOverrides layers the command-line overrides onto the loaded config.
func applyOverrides(cfg *config.Config, broker, httpAddr, database string, debug bool) {
	if broker != "" {
		cfg.Broker = broker
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if database != "" {
		cfg.Database = database
	}
	if debug {
		cfg.LogLevel = "debug"
	}
}

// newLogger builds a console logger on stderr at the configured level, so
// journald picks the output up under the unit.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// run wires the daemon and blocks until a shutdown signal.
func run(cfg *config.Config, logger *zap.Logger) error {
	reg, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("build port registry: %w", err)
	}
	if reg.Len() == 0 {
		logger.Warn("no ports configured, the monitor will idle")
	}

	metrics := metric.NewMetrics()

	ch, err := channel.NewGPIO(channel.DefaultChip, reg, time.Duration(cfg.Monitor.PollMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open gpio channel: %w", err)
	}
	defer ch.Close()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	table, err := st.LoadCalibration()
	if err != nil {
		return fmt.Errorf("load calibration: %w", err)
	}

	sessionID := uuid.NewString()
	startTime := time.Now()
	if err := st.BeginSession(sessionID, cfg.Box, startTime); err != nil {
		return fmt.Errorf("begin session: %w", err)
	}

	pos := logic.NewPositionTracker()
	wsBroker := resolveWSBroker(cfg.WSBroker, cfg.Broker, logger)
	tracker := status.NewTracker(startTime, status.Config{
		Box:         cfg.Box,
		Broker:      cfg.Broker,
		HTTPAddr:    cfg.HTTPAddr,
		WSBroker:    wsBroker,
		Database:    cfg.Database,
		CycleMs:     cfg.Monitor.CycleMs,
		HeartbeatMs: cfg.HeartbeatMs,
	}, pos)
	tracker.SetSession(sessionID)
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	publisher := mqtt.NewRealPublisher(cfg.Broker, cfg.Box, logger, metrics)
	defer publisher.Close()

	// Events fan out to the session store, the broker, and the status
	// tracker. A failing sink never stops the loop.
	sink := monitor.MultiSink{
		st.EventSink(sessionID),
		monitor.SinkFunc(publisher.Publish),
		tracker,
	}

	mon := monitor.NewMonitor(ch, reg, pos, sink, monitor.Config{
		Cycle:      time.Duration(cfg.Monitor.CycleMs) * time.Millisecond,
		PausePoll:  time.Duration(cfg.Monitor.PausePollMs) * time.Millisecond,
		RetryDelay: time.Duration(cfg.Monitor.RetryDelayMs) * time.Millisecond,
	}, logger, metrics)

	coord := monitor.NewCoordinator(mon, table, monitor.ActuationConfig{
		MaxAttempts:     cfg.Actuation.MaxAttempts,
		RetryDelay:      time.Duration(cfg.Actuation.RetryDelayMs) * time.Millisecond,
		DefaultDuration: time.Duration(cfg.Actuation.DefaultDurationMs) * time.Millisecond,
		MaxConcurrent:   cfg.Actuation.MaxConcurrent,
	}, logger, metrics)
	coord.SetRecorder(st.DeliveryRecorder(sessionID))

	logger.Info("daemon starting",
		zap.String("box", cfg.Box),
		zap.String("session", sessionID),
		zap.String("broker", cfg.Broker),
		zap.String("http", cfg.HTTPAddr),
		zap.String("database", cfg.Database),
		zap.Int("ports", reg.Len()),
		zap.Int("calibrated", table.Ports()))

	if err := mon.Start(context.Background()); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	tracker.SetRunning(true)

	tracker.SetMQTTConnected(publisher.IsConnected())
	publishSystem(publisher, tracker, logger, "STARTUP", "")

	srv := web.New(cfg.HTTPAddr, tracker, coord, metrics.Handler())
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()
	defer srv.Shutdown(context.Background())
	logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	refresh := time.NewTicker(time.Second)
	defer refresh.Stop()

	var heartbeat <-chan time.Time
	if cfg.HeartbeatMs > 0 {
		hb := time.NewTicker(time.Duration(cfg.HeartbeatMs) * time.Millisecond)
		defer hb.Stop()
		heartbeat = hb.C
	}

	reason := waitLoop(publisher, publisher, tracker, logger, refresh.C, heartbeat, sigCh)

	if err := mon.Stop(5 * time.Second); err != nil {
		logger.Warn("monitor did not stop cleanly", zap.Error(err))
	}
	tracker.SetRunning(false)
	tracker.SetMQTTConnected(publisher.IsConnected())
	publishSystem(publisher, tracker, logger, "SHUTDOWN", reason)

	if err := st.EndSession(sessionID, time.Now()); err != nil {
		logger.Warn("end session", zap.Error(err))
	}
	logger.Info("session ended", zap.String("session", sessionID))
	return nil
}

// waitLoop blocks until a shutdown signal arrives and returns its name.
// Refresh ticks keep the tracker's broker flag current for the status
// page; heartbeat ticks publish a full status snapshot.
func waitLoop(pub mqtt.Publisher, conn mqtt.ConnectionStatus, tracker *status.Tracker, logger *zap.Logger, refresh, heartbeat <-chan time.Time, sig <-chan os.Signal) string {
	for {
		select {
		case s := <-sig:
			logger.Info("signal received, shutting down", zap.String("signal", s.String()))
			return signalName(s)

		case <-refresh:
			tracker.SetMQTTConnected(conn.IsConnected())

		case <-heartbeat:
			tracker.SetMQTTConnected(conn.IsConnected())
			if net := readNetworkInfo(); net != nil {
				tracker.SetNetwork(net)
			}
			publishSystem(pub, tracker, logger, "HEARTBEAT", "")
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// publishSystem snapshots the tracker and publishes one lifecycle event.
// STARTUP and SHUTDOWN are retained so late subscribers see the last
// state change.
func publishSystem(pub mqtt.Publisher, tracker *status.Tracker, logger *zap.Logger, event, reason string) {
	snap := tracker.Snapshot()
	err := pub.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   event == "STARTUP" || event == "SHUTDOWN",
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		logger.Warn("system event publish failed",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	logger.Info("system event published", zap.String("event", event))
}

// printCheck renders the resolved config and port table for -check, then
// probes the GPIO channel so wiring and permission problems show up
// before the daemon is installed.
func printCheck(cfg *config.Config) error {
	reg, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("build port registry: %w", err)
	}

	fmt.Printf("box:       %s\n", cfg.Box)
	fmt.Printf("broker:    %s\n", cfg.Broker)
	if ws := resolveWSBroker(cfg.WSBroker, cfg.Broker, nil); ws != "" {
		fmt.Printf("ws broker: %s\n", ws)
	}
	fmt.Printf("http:      %s\n", cfg.HTTPAddr)
	fmt.Printf("database:  %s\n", cfg.Database)
	fmt.Printf("ports:     %d\n", reg.Len())
	for _, p := range reg.Configs() {
		valve := "-"
		if p.HasValve() {
			valve = strconv.Itoa(p.ValvePin)
		}
		fmt.Printf("  port %d  %-9s  input pin %-3d  valve pin %s\n", p.Port, p.Kind, p.InputPin, valve)
	}

	ch, err := channel.NewGPIO(channel.DefaultChip, reg, time.Duration(cfg.Monitor.PollMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("probe gpio channel: %w", err)
	}
	ch.Close()
	fmt.Printf("channel:   %s ok\n", channel.DefaultChip)
	return nil
}

// openBench builds the channel and coordinator for one-shot bench
// commands. The monitor only serves as the lock the coordinator takes;
// its loop is never started.
func openBench(cfg *config.Config, logger *zap.Logger) (*channel.GPIO, *monitor.Coordinator, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, nil, fmt.Errorf("build port registry: %w", err)
	}
	ch, err := channel.NewGPIO(channel.DefaultChip, reg, time.Duration(cfg.Monitor.PollMs)*time.Millisecond)
	if err != nil {
		return nil, nil, fmt.Errorf("open gpio channel: %w", err)
	}

	mon := monitor.NewMonitor(ch, reg, nil, nil, monitor.Config{}, logger, nil)
	coord := monitor.NewCoordinator(mon, calib.NewTable(), monitor.ActuationConfig{
		MaxAttempts:     cfg.Actuation.MaxAttempts,
		RetryDelay:      time.Duration(cfg.Actuation.RetryDelayMs) * time.Millisecond,
		DefaultDuration: time.Duration(cfg.Actuation.DefaultDurationMs) * time.Millisecond,
		MaxConcurrent:   cfg.Actuation.MaxConcurrent,
	}, logger, nil)
	return ch, coord, nil
}

// runDeliver fires one reward from the bench, bypassing the daemon.
func runDeliver(cfg *config.Config, logger *zap.Logger, spec string) error {
	port, duration, err := parseDeliverSpec(spec)
	if err != nil {
		return err
	}

	ch, coord, err := openBench(cfg, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	attempts, err := coord.Actuate(context.Background(), port, duration)
	if err != nil {
		return err
	}
	if duration <= 0 {
		duration = time.Duration(cfg.Actuation.DefaultDurationMs) * time.Millisecond
	}
	fmt.Printf("delivered: port %d, %v open, %d attempt(s)\n", port, duration, attempts)
	return nil
}

// runCalibrate fires the configured pulse trains on one port so each
// run's output can be weighed. The operator records the weighings
// afterward with -weigh, which refits the port's curve.
func runCalibrate(cfg *config.Config, logger *zap.Logger, port int) error {
	ch, coord, err := openBench(cfg, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	interval := time.Duration(cfg.Calibration.IntervalMs) * time.Millisecond
	runs := len(cfg.Calibration.DurationsMs)
	in := bufio.NewScanner(os.Stdin)

	for i, ms := range cfg.Calibration.DurationsMs {
		pulses := cfg.Calibration.Pulses[i]
		duration := time.Duration(ms) * time.Millisecond

		fmt.Printf("run %d/%d: %d pulses of %v on port %d\n", i+1, runs, pulses, duration, port)
		fmt.Print("place a dry dish under the spout and press enter: ")
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			return errors.New("stdin closed before calibration finished")
		}

		if err := coord.PulseTrain(context.Background(), port, duration, pulses, interval); err != nil {
			return fmt.Errorf("pulse train: %w", err)
		}
		fmt.Printf("done. weigh the dish and record it with:\n  operant-box -weigh %d:%d:<grams>\n\n", port, ms)
	}
	return nil
}

// runWeigh records one calibration weighing and reports the refit curve.
// The pulse count is looked up from the configured run table by duration.
func runWeigh(cfg *config.Config, spec string) error {
	port, ms, grams, err := parseWeighSpec(spec)
	if err != nil {
		return err
	}
	pulses, ok := pulsesForDuration(cfg.Calibration, ms)
	if !ok {
		return fmt.Errorf("duration %dms is not in the calibration run table %v", ms, cfg.Calibration.DurationsMs)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	m := calib.Measurement{
		Port:     port,
		Duration: time.Duration(ms) * time.Millisecond,
		Pulses:   pulses,
		Grams:    grams,
	}
	if err := st.InsertMeasurement(m, time.Now()); err != nil {
		return err
	}
	fmt.Printf("recorded: port %d, %d pulses of %dms, %.3fg (%.2fµl per pulse)\n",
		port, pulses, ms, grams, m.PerPulseMicroliters())

	all, err := st.Measurements(port)
	if err != nil {
		return err
	}
	curve, err := calib.Fit(all)
	if err != nil {
		fmt.Printf("no curve yet: %v\n", err)
		return nil
	}
	fmt.Printf("curve: %.3f µl/ms, intercept %.3f µl, %d weighings\n",
		curve.Slope, curve.Intercept, curve.Points)
	return nil
}

// parseDeliverSpec parses "port" or "port:ms". A missing duration leaves
// it zero so the coordinator applies its configured default.
func parseDeliverSpec(s string) (int, time.Duration, error) {
	head, tail, hasDuration := strings.Cut(s, ":")
	port, err := strconv.Atoi(head)
	if err != nil || port < 1 {
		return 0, 0, fmt.Errorf("bad -deliver port %q", head)
	}
	if !hasDuration {
		return port, 0, nil
	}
	ms, err := strconv.Atoi(tail)
	if err != nil || ms < 1 {
		return 0, 0, fmt.Errorf("bad -deliver duration %q", tail)
	}
	return port, time.Duration(ms) * time.Millisecond, nil
}

// parseWeighSpec parses "port:ms:grams".
func parseWeighSpec(s string) (int, int64, float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("bad -weigh value %q (want port:ms:grams)", s)
	}
	port, err := strconv.Atoi(parts[0])
	if err != nil || port < 1 {
		return 0, 0, 0, fmt.Errorf("bad -weigh port %q", parts[0])
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ms < 1 {
		return 0, 0, 0, fmt.Errorf("bad -weigh duration %q", parts[1])
	}
	grams, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || grams < 0 {
		return 0, 0, 0, fmt.Errorf("bad -weigh grams %q", parts[2])
	}
	return port, ms, grams, nil
}

// pulsesForDuration looks up the configured pulse count for one run
// duration. Weighings only make sense for durations the run table fires.
func pulsesForDuration(c config.CalibrationConfig, ms int64) (int, bool) {
	for i, d := range c.DurationsMs {
		if d == ms && i < len(c.Pulses) {
			return c.Pulses[i], true
		}
	}
	return 0, false
}

// resolveWSBroker converts the ws_broker config value into a concrete
// URL. "=broker" derives ws://host:9001 from the broker address; empty
// disables the live status page.
func resolveWSBroker(ws, broker string, logger *zap.Logger) string {
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		if logger != nil {
			logger.Warn("cannot derive ws broker", zap.String("broker", broker), zap.Error(err))
		}
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
