package mqtt

import (
	"sync"

	"github.com/sweeney/operant-box/internal/logic"
)

// FakePublisher records published events for test assertions. It is safe
// for concurrent use, so tests can poll it while the monitor loop runs.
type FakePublisher struct {
	mu               sync.Mutex
	events           []logic.Event
	payloads         [][]byte
	systemEvents     []SystemEvent
	systemPayloads   [][]byte
	publishErr       error
	publishSystemErr error
	closed           bool
	connected        bool
}

var (
	_ Publisher        = (*FakePublisher)(nil)
	_ ConnectionStatus = (*FakePublisher)(nil)
)

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// SetPublishError makes every following Publish fail with err.
func (f *FakePublisher) SetPublishError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// SetPublishSystemError makes every following PublishSystem fail with err.
func (f *FakePublisher) SetPublishSystemError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishSystemErr = err
}

// SetConnected controls the return value of IsConnected.
func (f *FakePublisher) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

// Publish records the behavioral event.
func (f *FakePublisher) Publish(event logic.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishSystemErr != nil {
		return f.publishSystemErr
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	f.systemPayloads = append(f.systemPayloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Events returns a copy of the published behavioral events, in order.
func (f *FakePublisher) Events() []logic.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]logic.Event, len(f.events))
	copy(out, f.events)
	return out
}

// Payloads returns a copy of the published event payloads, in order.
func (f *FakePublisher) Payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.payloads))
	copy(out, f.payloads)
	return out
}

// SystemEvents returns a copy of the published system events, in order.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SystemEvent, len(f.systemEvents))
	copy(out, f.systemEvents)
	return out
}

// SystemPayloads returns a copy of the published system payloads, in order.
func (f *FakePublisher) SystemPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.systemPayloads))
	copy(out, f.systemPayloads)
	return out
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded events and errors.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
	f.payloads = nil
	f.systemEvents = nil
	f.systemPayloads = nil
	f.closed = false
	f.publishErr = nil
	f.publishSystemErr = nil
	f.connected = false
}
