package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sweeney/operant-box/internal/calib"
	"github.com/sweeney/operant-box/internal/fsm"
	"github.com/sweeney/operant-box/internal/metric"
	"github.com/sweeney/operant-box/internal/ports"
)

// Default actuation policy.
const (
	DefaultMaxAttempts    = 3
	DefaultActuationRetry = 100 * time.Millisecond
	DefaultDuration       = 50 * time.Millisecond
	DefaultMaxConcurrent  = 4
)

// ActuationError reports a delivery whose retries are exhausted.
type ActuationError struct {
	Port     int
	Attempts int
	Cause    error
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("delivery on port %d failed after %d attempts: %v", e.Port, e.Attempts, e.Cause)
}

func (e *ActuationError) Unwrap() error { return e.Cause }

// ActuationConfig holds the delivery policy. Zero values fall back to the
// defaults above.
type ActuationConfig struct {
	// MaxAttempts bounds submit+run tries per delivery.
	MaxAttempts int
	// RetryDelay is slept between tries, while the channel lock is held.
	RetryDelay time.Duration
	// DefaultDuration is used when a caller passes no duration.
	DefaultDuration time.Duration
	// MaxConcurrent bounds outstanding Request goroutines.
	MaxConcurrent int64
}

func (c ActuationConfig) withDefaults() ActuationConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultActuationRetry
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = DefaultDuration
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Delivery describes one finished reward delivery.
type Delivery struct {
	Time     time.Time
	Port     int
	Duration time.Duration
	Attempts int
	// Err is the final error text, empty on success.
	Err string
}

// ActuationRecorder persists finished deliveries.
type ActuationRecorder interface {
	RecordDelivery(d Delivery) error
}

// Coordinator delivers rewards through the same channel the monitor
// polls. Every delivery pauses the monitor, takes the channel lock, runs
// a reward program with bounded retries, and releases both on the way
// out.
type Coordinator struct {
	mon     *Monitor
	table   *calib.Table
	cfg     ActuationConfig
	sem     *semaphore.Weighted
	log     *zap.Logger
	metrics *metric.Metrics
	rec     ActuationRecorder
}

// NewCoordinator wires a coordinator onto mon's channel and pause gate.
// table, logger, and metrics may be nil; without a table ActuateAmount
// reports uncalibrated.
func NewCoordinator(mon *Monitor, table *calib.Table, cfg ActuationConfig, logger *zap.Logger, metrics *metric.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		mon:     mon,
		table:   table,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		log:     logger,
		metrics: metrics,
	}
}

// SetRecorder installs a persistence hook for finished deliveries.
func (c *Coordinator) SetRecorder(rec ActuationRecorder) {
	c.rec = rec
}

// Actuate opens the port's valve for duration (the configured default
// when duration is zero or negative) and reports how many attempts the
// delivery took. The port must be registered and carry a valve; a
// rejected port touches no hardware, never pauses the monitor, and
// reports zero attempts. Exhausted retries surface as *ActuationError.
func (c *Coordinator) Actuate(ctx context.Context, port int, duration time.Duration) (int, error) {
	if err := c.validate(port); err != nil {
		return 0, err
	}
	if duration <= 0 {
		duration = c.cfg.DefaultDuration
	}

	start := time.Now()
	attempts, err := c.deliver(ctx, port, duration)

	d := Delivery{Time: start, Port: port, Duration: duration, Attempts: attempts}
	if err != nil {
		d.Err = err.Error()
	}
	c.recordDelivery(d)
	return attempts, err
}

// ActuateAmount delivers the given volume in microliters, with the open
// duration solved from the port's calibration curve.
func (c *Coordinator) ActuateAmount(ctx context.Context, port int, microliters float64) (int, error) {
	if err := c.validate(port); err != nil {
		return 0, err
	}
	if c.table == nil {
		return 0, fmt.Errorf("port %d: %w", port, calib.ErrNotCalibrated)
	}
	duration, err := c.table.PulseDuration(port, microliters)
	if err != nil {
		return 0, fmt.Errorf("solve %.1fµl on port %d: %w", microliters, port, err)
	}
	return c.Actuate(ctx, port, duration)
}

// PulseTrain fires count deliveries of duration each, spaced by interval.
// Each pulse takes and releases the channel lock on its own, so the
// monitor breathes between pulses. Used for calibration runs.
func (c *Coordinator) PulseTrain(ctx context.Context, port int, duration time.Duration, count int, interval time.Duration) error {
	if count <= 0 {
		return fmt.Errorf("pulse count must be positive, got %d", count)
	}
	if duration <= 0 {
		return fmt.Errorf("pulse duration must be positive, got %v", duration)
	}
	if err := c.validate(port); err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		if i > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("pulse train interrupted after %d pulses: %w", i, ctx.Err())
			case <-t.C:
			}
		}
		if _, err := c.deliver(ctx, port, duration); err != nil {
			return fmt.Errorf("pulse %d of %d: %w", i+1, count, err)
		}
	}
	return nil
}

// Request queues an asynchronous delivery. At most MaxConcurrent requests
// are in flight; each still serializes on the channel lock. Failures are
// logged, never surfaced.
func (c *Coordinator) Request(port int, duration time.Duration) {
	go func() {
		ctx := context.Background()
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		if _, err := c.Actuate(ctx, port, duration); err != nil {
			c.log.Error("queued delivery failed",
				zap.Int("port", port),
				zap.Error(err))
		}
	}()
}

// validate rejects ports the registry does not know or cannot drive.
func (c *Coordinator) validate(port int) error {
	cfg, err := c.mon.reg.Lookup(port)
	if err != nil {
		return err
	}
	if !cfg.HasValve() {
		return &ports.NoValveError{Port: port}
	}
	return nil
}

// deliver runs the full pause/lock/retry protocol for one reward program
// and reports how many attempts it took. The pause request parks the
// monitor after its current cycle; the deferred release lets it resume no
// matter how the delivery ends.
func (c *Coordinator) deliver(ctx context.Context, port int, duration time.Duration) (int, error) {
	program := fsm.RewardProgram(port, duration)

	c.mon.pauseRequest()
	defer c.mon.pauseRelease()

	c.mon.mu.Lock()
	defer c.mon.mu.Unlock()

	start := time.Now()
	attempts := 0
	var lastErr error
	for attempts < c.cfg.MaxAttempts {
		if attempts > 0 {
			c.metrics.RecordActuationRetry()
			// The retry delay is spent holding the lock so the monitor
			// cannot slip a cycle into the middle of a delivery.
			time.Sleep(c.cfg.RetryDelay)
		}
		attempts++

		lastErr = c.runOnce(program)
		if lastErr == nil {
			c.metrics.RecordActuation(true, time.Since(start))
			return attempts, nil
		}
		c.log.Warn("delivery attempt failed",
			zap.Int("port", port),
			zap.Int("attempt", attempts),
			zap.Error(lastErr))

		if ctx.Err() != nil {
			lastErr = fmt.Errorf("%w (canceled: %v)", lastErr, ctx.Err())
			break
		}
	}

	c.metrics.RecordActuation(false, time.Since(start))
	return attempts, &ActuationError{Port: port, Attempts: attempts, Cause: lastErr}
}

// runOnce submits and runs one program. Transitions from a reward run
// carry no behavioral meaning and are dropped.
func (c *Coordinator) runOnce(p fsm.Program) error {
	h, err := c.mon.ch.Submit(p)
	if err != nil {
		return fmt.Errorf("submit reward program: %w", err)
	}
	if _, err := c.mon.ch.Run(h); err != nil {
		return fmt.Errorf("run reward program: %w", err)
	}
	return nil
}

func (c *Coordinator) recordDelivery(d Delivery) {
	if c.rec == nil {
		return
	}
	if err := c.rec.RecordDelivery(d); err != nil {
		c.log.Warn("delivery record failed",
			zap.Int("port", d.Port),
			zap.Error(err))
	}
}
