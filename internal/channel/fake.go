package channel

import (
	"sync"
	"time"

	"github.com/sweeney/operant-box/internal/fsm"
)

// Fake is a scripted Channel for tests. Runs consume Scripts in order;
// once the scripts are exhausted every further run returns a lone timer
// expiry, like an idle cycle. Fake is safe for concurrent use and records
// whether two runs ever overlapped, which callers holding the channel
// lock must never allow.
type Fake struct {
	// Scripts are consumed one per successful Run, in order.
	Scripts [][]Transition

	// RunErrs maps a run number (0-based, counting every Run call) to an
	// error returned instead of transitions. Errored runs do not consume
	// a script.
	RunErrs map[int]error

	// RunDelay, if nonzero, is slept inside every Run to simulate the
	// program's execution time.
	RunDelay time.Duration

	// RunHook, if set, is called inside Run while the run is marked
	// active. Tests use it to coordinate overlap checks.
	RunHook func(run int)

	mu        sync.Mutex
	submitErr error
	programs  []fsm.Program
	staged    bool
	stagedID  uint64
	nextID    uint64
	runs      int
	scriptIdx int
	running   bool
	overlap   bool
	closed    bool
}

var _ Channel = (*Fake)(nil)

// NewFake creates a Fake that returns the given transition scripts.
func NewFake(scripts ...[]Transition) *Fake {
	return &Fake{Scripts: scripts}
}

// SetSubmitErr makes every following Submit fail with err. Pass nil to
// recover.
func (f *Fake) SetSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// Submit validates and stages the program, mirroring the real channel.
func (f *Fake) Submit(p fsm.Program) (Handle, error) {
	if err := p.Validate(); err != nil {
		return Handle{}, &ProtocolError{Reason: err.Error()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Handle{}, &TransportError{Op: "submit", Err: ErrClosed}
	}
	if f.submitErr != nil {
		return Handle{}, f.submitErr
	}
	if f.staged {
		return Handle{}, &ProtocolError{Reason: "program already staged"}
	}

	f.programs = append(f.programs, p)
	f.nextID++
	f.stagedID = f.nextID
	f.staged = true
	return Handle{id: f.nextID}, nil
}

// Run returns the next script, or the scripted error for this run number.
func (f *Fake) Run(h Handle) ([]Transition, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, &TransportError{Op: "run", Err: ErrClosed}
	}
	if !f.staged || f.stagedID != h.id {
		f.mu.Unlock()
		return nil, &ProtocolError{Reason: "handle does not match the staged program"}
	}
	f.staged = false
	if f.running {
		f.overlap = true
	}
	f.running = true
	run := f.runs
	f.runs++
	hook := f.RunHook
	delay := f.RunDelay
	f.mu.Unlock()

	if hook != nil {
		hook(run)
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false

	if err, ok := f.RunErrs[run]; ok {
		return nil, err
	}
	if f.scriptIdx < len(f.Scripts) {
		script := f.Scripts[f.scriptIdx]
		f.scriptIdx++
		return script, nil
	}
	return []Transition{{ID: fsm.Tup, At: time.Now()}}, nil
}

// Close marks the fake closed. Further Submit and Run calls fail.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Runs returns how many times Run was called.
func (f *Fake) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// Submitted returns how many programs were accepted by Submit.
func (f *Fake) Submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.programs)
}

// Programs returns a copy of every accepted program, in submit order.
func (f *Fake) Programs() []fsm.Program {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fsm.Program, len(f.programs))
	copy(out, f.programs)
	return out
}

// Overlapped reports whether two runs were ever active at once.
func (f *Fake) Overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
