package monitor

import (
	"errors"

	"github.com/sweeney/operant-box/internal/logic"
)

// Sink receives semantic events from the monitor loop. Implementations
// must not block for long; a slow sink delays the next cycle.
type Sink interface {
	Record(e logic.Event) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(e logic.Event) error

// Record calls f.
func (f SinkFunc) Record(e logic.Event) error { return f(e) }

// MultiSink fans each event out to every sink and joins their failures.
// One failing sink never stops delivery to the others.
type MultiSink []Sink

// Record delivers e to every sink.
func (s MultiSink) Record(e logic.Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Record(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
