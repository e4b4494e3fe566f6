// Package sigintake turns OS signals into pending-work bits the event
// loop polls. Go delivers signals to a channel via its own
// runtime-managed goroutine rather than a raw libc handler, so the
// async-signal-safety a C signal handler needs becomes a simpler rule
// here: the goroutine reading that channel must do nothing but flip an
// atomic flag and touch the latch (no allocation, no logging, no
// syscalls beyond the latch wakeup), which is exactly what Intake.run
// does below.
package sigintake

import (
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Severity ranks shutdown requests; a higher value always wins over a
// pending lower one. Immediate beats Fast beats Smart.
type Severity int32

const (
	SeverityNone Severity = iota
	SeveritySmart
	SeverityFast
	SeverityImmediate
)

// Latch is a self-wake primitive: a flag plus a wakeable channel. Touch is
// safe to call from the signal-reading goroutine; the event loop blocks on
// C() until Touch has been called at least once since the last wakeup.
type Latch struct {
	ch chan struct{}
}

// NewLatch creates an untouched latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{}, 1)}
}

// Touch wakes any pending or future receive on C(). Multiple touches
// before a receive coalesce into a single wakeup.
func (l *Latch) Touch() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// C exposes the wakeup channel directly so the event loop can select on it
// alongside listening-socket readiness.
func (l *Latch) C() <-chan struct{} { return l.ch }

// Intake owns the pending-work bits and the signal channel that feeds
// them. One Intake is created per supervisor incarnation.
type Intake struct {
	latch *Latch

	pendingReload    atomic.Bool
	pendingShutdown  atomic.Bool
	shutdownSeverity atomic.Int32
	pendingChildExit atomic.Bool
	pendingPMSignal  atomic.Bool

	sigCh chan os.Signal
	stop  chan struct{}
}

// New builds an Intake that wakes latch whenever a handled signal arrives.
func New(latch *Latch) *Intake {
	return &Intake{
		latch: latch,
		sigCh: make(chan os.Signal, 8),
		stop:  make(chan struct{}),
	}
}

// Start registers the fixed set of handled signals and begins translating
// them into pending bits. SIGPIPE, SIGTTIN/SIGTTOU, and SIGXFSZ are
// ignored; every other signal is not registered and so falls back to the
// process default.
func (in *Intake) Start() {
	signal.Ignore(unix.SIGPIPE, unix.SIGTTIN, unix.SIGTTOU, unix.SIGXFSZ)
	signal.Notify(in.sigCh,
		unix.SIGHUP,  // reload
		unix.SIGINT,  // fast shutdown
		unix.SIGQUIT, // immediate shutdown
		unix.SIGTERM, // smart shutdown
		unix.SIGUSR1, // generic inter-process signal
		unix.SIGCHLD, // reap
	)
	go in.run()
}

// Stop unregisters signal delivery. Used only in tests and single-user
// mode teardown.
func (in *Intake) Stop() {
	signal.Stop(in.sigCh)
	close(in.stop)
}

func (in *Intake) run() {
	for {
		select {
		case sig := <-in.sigCh:
			in.handle(sig)
		case <-in.stop:
			return
		}
	}
}

func (in *Intake) handle(sig os.Signal) {
	switch sig {
	case unix.SIGHUP:
		in.pendingReload.Store(true)
	case unix.SIGTERM:
		in.raiseShutdown(SeveritySmart)
	case unix.SIGINT:
		in.raiseShutdown(SeverityFast)
	case unix.SIGQUIT:
		in.raiseShutdown(SeverityImmediate)
	case unix.SIGUSR1:
		in.pendingPMSignal.Store(true)
	case unix.SIGCHLD:
		in.pendingChildExit.Store(true)
	default:
		return // ignored signal, should not be registered above
	}
	in.latch.Touch()
}

// raiseShutdown latches a shutdown request at sev, only ever increasing
// the recorded severity: the most severe request always wins.
func (in *Intake) raiseShutdown(sev Severity) {
	in.pendingShutdown.Store(true)
	for {
		cur := Severity(in.shutdownSeverity.Load())
		if cur >= sev {
			return
		}
		if in.shutdownSeverity.CompareAndSwap(int32(cur), int32(sev)) {
			return
		}
	}
}

// RequestShutdown lets in-process callers (e.g. a stop request arriving
// over the admin socket rather than a raw signal) raise a shutdown request
// through the same severity arbitration as an OS signal.
func (in *Intake) RequestShutdown(sev Severity) {
	in.raiseShutdown(sev)
	in.latch.Touch()
}

// RequestReload mirrors RequestShutdown for SIGHUP-equivalent requests
// arriving over the admin socket instead of a signal.
func (in *Intake) RequestReload() {
	in.pendingReload.Store(true)
	in.latch.Touch()
}

// RequestChildExit raises the pending-child-exit bit from the launcher's
// wait goroutines, the in-process stand-in for SIGCHLD delivery.
func (in *Intake) RequestChildExit() {
	in.pendingChildExit.Store(true)
	in.latch.Touch()
}

// TakeReload reports and clears the pending-reload bit.
func (in *Intake) TakeReload() bool {
	return in.pendingReload.Swap(false)
}

// TakeShutdown reports and clears the pending-shutdown bit, returning the
// latched severity (and resetting it to SeverityNone).
func (in *Intake) TakeShutdown() (bool, Severity) {
	pending := in.pendingShutdown.Swap(false)
	sev := Severity(in.shutdownSeverity.Swap(int32(SeverityNone)))
	return pending, sev
}

// PeekShutdownSeverity reads the latched severity without clearing
// anything, for callers that need to know the severity already in flight
// without consuming it.
func (in *Intake) PeekShutdownSeverity() Severity {
	return Severity(in.shutdownSeverity.Load())
}

// TakeChildExit reports and clears the pending-child-exit bit.
func (in *Intake) TakeChildExit() bool {
	return in.pendingChildExit.Swap(false)
}

// TakePMSignal reports and clears the pending generic-pmsignal bit.
func (in *Intake) TakePMSignal() bool {
	return in.pendingPMSignal.Swap(false)
}
