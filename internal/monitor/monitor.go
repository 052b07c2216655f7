// Package monitor runs the background event loop and the reward delivery
// protocol that shares the hardware channel with it. The loop owns the
// channel between actuations; actuations park the loop with a pause
// request, take the channel lock, and hand both back when they finish.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/operant-box/internal/channel"
	"github.com/sweeney/operant-box/internal/fsm"
	"github.com/sweeney/operant-box/internal/logic"
	"github.com/sweeney/operant-box/internal/metric"
	"github.com/sweeney/operant-box/internal/ports"
)

// Default loop timings.
const (
	DefaultCycle      = 200 * time.Millisecond
	DefaultPausePoll  = 100 * time.Millisecond
	DefaultRetryDelay = 500 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned by Start when the loop is active.
	ErrAlreadyRunning = errors.New("monitor is already running")
	// ErrStopTimeout is returned by Stop when the loop does not confirm
	// exit within the given bound.
	ErrStopTimeout = errors.New("timed out waiting for monitor to stop")
)

// Config holds the monitor loop timings. Zero values fall back to the
// defaults above.
type Config struct {
	// Cycle is the length of one wait program, and therefore the worst
	// case latency before a pause request is honored.
	Cycle time.Duration
	// PausePoll is how often a parked loop rechecks the pause counter.
	PausePoll time.Duration
	// RetryDelay is slept after a failed cycle, outside the channel lock.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cycle <= 0 {
		c.Cycle = DefaultCycle
	}
	if c.PausePoll <= 0 {
		c.PausePoll = DefaultPausePoll
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Monitor polls the channel for port transitions in a background loop and
// dispatches classified events to the sink.
type Monitor struct {
	ch         channel.Channel
	reg        *ports.Registry
	classifier *logic.Classifier
	pos        *logic.PositionTracker
	sink       Sink
	cfg        Config
	log        *zap.Logger
	metrics    *metric.Metrics

	// mu serializes channel access. Whoever holds it owns the full
	// Submit+Run of one program.
	mu sync.Mutex
	// pause counts outstanding pause requests. The loop parks while it
	// is nonzero.
	pause atomic.Int32

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor wires a monitor over the given channel and port registry.
// pos, sink, logger, and metrics may be nil.
func NewMonitor(ch channel.Channel, reg *ports.Registry, pos *logic.PositionTracker, sink Sink, cfg Config, logger *zap.Logger, metrics *metric.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		ch:         ch,
		reg:        reg,
		classifier: logic.NewClassifier(reg),
		pos:        pos,
		sink:       sink,
		cfg:        cfg.withDefaults(),
		log:        logger,
		metrics:    metrics,
	}
}

// Start launches the loop goroutine. It returns ErrAlreadyRunning on a
// second call without an intervening Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	m.metrics.SetRunning(true)
	m.log.Info("monitor started",
		zap.Duration("cycle", m.cfg.Cycle),
		zap.Int("ports", m.reg.Len()))

	go m.loop(ctx, m.stop, m.done)
	return nil
}

// Stop asks the loop to exit and waits up to timeout for confirmation.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.runMu.Unlock()

	m.metrics.SetRunning(false)

	select {
	case <-done:
		m.log.Info("monitor stopped")
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// Paused reports whether at least one pause request is outstanding.
func (m *Monitor) Paused() bool {
	return m.pause.Load() > 0
}

// pauseRequest parks the loop after its current cycle. Every request must
// be paired with a pauseRelease.
func (m *Monitor) pauseRequest() {
	n := m.pause.Add(1)
	m.metrics.SetPauseRequests(int(n))
}

func (m *Monitor) pauseRelease() {
	n := m.pause.Add(-1)
	m.metrics.SetPauseRequests(int(n))
}

func (m *Monitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if m.pause.Load() > 0 {
			// Parked. The pause poll bounds how long a release can go
			// unnoticed.
			m.sleep(ctx, stop, m.cfg.PausePoll)
			continue
		}

		if err := m.cycle(); err != nil {
			m.log.Error("monitor cycle failed", zap.Error(err))
			m.metrics.RecordCycleError()
			m.sleep(ctx, stop, m.cfg.RetryDelay)
		}
	}
}

// cycle submits one wait program and dispatches whatever it observed. The
// channel lock is held for the whole submit+run+dispatch.
func (m *Monitor) cycle() error {
	program := fsm.WaitProgram(m.cfg.Cycle, m.watchedEvents())

	m.mu.Lock()
	defer m.mu.Unlock()

	// An actuation may have raised a pause while we waited for the lock.
	// Hand the channel straight back without submitting.
	if m.pause.Load() > 0 {
		return nil
	}

	start := time.Now()
	h, err := m.ch.Submit(program)
	if err != nil {
		return fmt.Errorf("submit wait program: %w", err)
	}
	transitions, err := m.ch.Run(h)
	if err != nil {
		return fmt.Errorf("run wait program: %w", err)
	}

	m.metrics.RecordCycle(time.Since(start))
	m.metrics.RecordTransitions(len(transitions))
	m.dispatch(transitions)
	return nil
}

// watchedEvents lists both edge identifiers for every registered port.
func (m *Monitor) watchedEvents() []string {
	ids := make([]string, 0, 2*m.reg.Len())
	for _, p := range m.reg.Ports() {
		ids = append(ids, fsm.PortIn(p), fsm.PortOut(p))
	}
	return ids
}

// dispatch classifies each transition of one run and feeds the results to
// the position tracker and the sink. Run returns the cycle's complete
// transition list, so every entry here is new.
func (m *Monitor) dispatch(transitions []channel.Transition) {
	for _, tr := range transitions {
		ev, outcome := m.classifier.Classify(tr.ID, tr.At)
		switch outcome {
		case logic.OutcomeDiscard:
			m.metrics.RecordDiscard("housekeeping")
			continue
		case logic.OutcomeUnknownPort:
			m.log.Warn("transition for unconfigured port", zap.String("id", tr.ID))
			m.metrics.RecordDiscard("unknown_port")
			continue
		}

		m.metrics.RecordEvent(string(ev.Type))
		m.record(ev)

		if m.pos == nil {
			continue
		}
		posEv, err := m.pos.Apply(ev)
		if err != nil {
			m.log.Warn("position transition ignored",
				zap.Int("port", ev.Port),
				zap.Error(err))
			m.metrics.RecordDiscard("position_anomaly")
		}
		if posEv != nil {
			if posEv.Type == logic.EventOutPosition {
				m.metrics.RecordDwell(posEv.Duration)
			}
			m.metrics.RecordEvent(string(posEv.Type))
			m.record(*posEv)
		}
	}
}

// record hands one event to the sink. Sink failures are logged and never
// stop the loop.
func (m *Monitor) record(ev logic.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Record(ev); err != nil {
		m.log.Warn("event sink failed",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		m.metrics.RecordSinkError()
	}
}

// sleep waits for d, a stop signal, or context cancellation, whichever
// comes first.
func (m *Monitor) sleep(ctx context.Context, stop chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stop:
	case <-t.C:
	}
}
