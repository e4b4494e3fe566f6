// Package statemachine drives the supervisor's global lifecycle:
// which children exist in each state, how the three shutdown severities
// differ, and the crash cascade that guarantees no process is holding
// locks or half-written buffers when the shared segment is reset.
//
// Every method runs on the event loop goroutine; the machine holds no
// lock and never blocks.
package statemachine

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pgboss/pgboss/internal/kinds"
	"github.com/pgboss/pgboss/internal/metrics"
	"github.com/pgboss/pgboss/internal/pidfile"
	"github.com/pgboss/pgboss/internal/registry"
	"github.com/pgboss/pgboss/internal/sigintake"
)

// State is the supervisor's lifecycle state.
type State int

const (
	Init State = iota
	Startup
	Recovery
	HotStandby
	Run
	StopBackends
	WaitBackends
	Shutdown
	Shutdown2
	WaitDeadEnd
	NoChildren
)

var stateNames = map[State]string{
	Init:         "init",
	Startup:      "startup",
	Recovery:     "recovery",
	HotStandby:   "hot-standby",
	Run:          "run",
	StopBackends: "stop-backends",
	WaitBackends: "wait-backends",
	Shutdown:     "shutdown",
	Shutdown2:    "shutdown-2",
	WaitDeadEnd:  "wait-dead-end",
	NoChildren:   "no-children",
}

func (s State) String() string { return stateNames[s] }

// killEscalationDelay is how long quit-signaled children get before the
// machine escalates to SIGKILL.
const killEscalationDelay = 5 * time.Second

// Deps is everything the machine calls out to. All fields are required
// except Metrics (nil means no instrumentation), SetPidfileStatus and
// BgNoteExit.
type Deps struct {
	Log      zerolog.Logger
	Registry *registry.Registry
	Slots    *kinds.SingletonSlots

	// Launch starts a child of kind k and returns its pid. The boss backs
	// this with the child launcher plus registry bookkeeping.
	Launch func(k kinds.Kind) (int, error)
	// Signal delivers sig to pid and to pid's process group, preserving
	// the double-signal workaround for the just-forked group-leader race.
	Signal func(pid, sig int) error
	// ReinitSharedMemory reprovisions the segment after a crash cascade.
	// Only called once the registry is empty.
	ReinitSharedMemory func() error
	// Exit terminates the supervisor with the given status. Never returns
	// in production; tests substitute a recorder.
	Exit func(status int)
	// StopAccepting closes the door on new connections when the machine
	// reaches WaitDeadEnd.
	StopAccepting func()
	// SetPidfileStatus updates the lockfile's status word. May be nil.
	SetPidfileStatus func(pidfile.Status)
	// BgNoteExit forwards bgworker exits to the scheduler's throttle
	// bookkeeping. May be nil when no workers are registered.
	BgNoteExit func(pid int, crashed bool)

	Clock   func() time.Time
	Metrics *metrics.Metrics

	// QuitWithAbort selects SIGABRT instead of SIGQUIT for the crash
	// cascade's quit-with-core delivery.
	QuitWithAbort     bool
	RestartAfterCrash bool
}

// Machine is the lifecycle state machine.
type Machine struct {
	d Deps

	state        State
	mode         sigintake.Severity // most severe shutdown requested
	fatalError   bool               // crash-recovery cycle in progress
	connsAllowed bool

	killDeadline    time.Time // zero when no escalation is pending
	startupAfterCrash bool    // current Startup is the first post-crash attempt
	archiverCanRestart bool   // reset at each child-exit event
}

// New builds a machine in Init.
func New(d Deps) *Machine {
	m := &Machine{d: d, state: Init}
	m.observeState()
	return m
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Mode returns the most severe shutdown request received so far.
func (m *Machine) Mode() sigintake.Severity { return m.mode }

// FatalError reports whether a crash-recovery cycle is in progress.
func (m *Machine) FatalError() bool { return m.fatalError }

// ConnsAllowed reports the admission sub-flag: new sessions are admitted
// only when this is true and the state is Run or HotStandby.
func (m *Machine) ConnsAllowed() bool { return m.connsAllowed }

func (m *Machine) observeState() {
	if m.d.Metrics != nil {
		m.d.Metrics.LifecycleState.Set(float64(m.state))
		if m.connsAllowed {
			m.d.Metrics.ConnsAllowed.Set(1)
		} else {
			m.d.Metrics.ConnsAllowed.Set(0)
		}
	}
}

func (m *Machine) setState(s State) {
	if s == m.state {
		return
	}
	m.d.Log.Info().Str("from", m.state.String()).Str("to", s.String()).Msg("lifecycle transition")
	m.state = s
	m.observeState()
}

func (m *Machine) quitSignal() int {
	if m.d.QuitWithAbort {
		return int(unix.SIGABRT)
	}
	return int(unix.SIGQUIT)
}

// Boot performs the Init -> Startup transition: shared memory has been
// provisioned by the caller; the machine launches the Startup child.
// A launch failure here is fatal (exit 1).
func (m *Machine) Boot() {
	if m.state != Init {
		m.d.Log.Error().Str("state", m.state.String()).Msg("boot in wrong state")
		m.d.Exit(1)
		return
	}
	// The syslogger comes up first so every later child's stderr has
	// somewhere to go. Its launch failing is not fatal; the supervisor's
	// own stderr still works.
	m.launchSingleton(kinds.SysLogger)
	if !m.launchSingleton(kinds.Startup) {
		m.d.Exit(1)
		return
	}
	m.setState(Startup)
}

func (m *Machine) launchSingleton(k kinds.Kind) bool {
	pid, err := m.d.Launch(k)
	if err != nil {
		m.d.Log.Error().Str("kind", k.String()).Err(err).Msg("launch failed")
		return false
	}
	m.d.Slots.Set(k, pid)
	return true
}

// HandleShutdownRequest latches a shutdown of the given severity and
// advances the machine. Higher severities override pending lower ones;
// a repeat of the current severity is a no-op.
func (m *Machine) HandleShutdownRequest(sev sigintake.Severity) {
	if sev <= m.mode {
		return
	}
	m.mode = sev
	m.d.Log.Info().Str("mode", modeName(sev)).Msg("shutdown requested")
	if m.d.SetPidfileStatus != nil {
		m.d.SetPidfileStatus(pidfile.StatusStopping)
	}

	switch sev {
	case sigintake.SeveritySmart:
		m.connsAllowed = false
		m.observeState()
		if m.state == Run || m.state == HotStandby {
			if m.d.Registry.Count(registry.MaskOf(kinds.Session)) == 0 {
				m.beginStopBackends()
			}
			return
		}
	case sigintake.SeverityFast:
		if m.state == Run || m.state == HotStandby || m.state == Startup || m.state == Recovery {
			m.beginStopBackends()
			return
		}
	case sigintake.SeverityImmediate:
		m.connsAllowed = false
		m.observeState()
		m.quitAllChildren()
		m.setState(WaitBackends)
	}
	m.advance()
}

func modeName(sev sigintake.Severity) string {
	switch sev {
	case sigintake.SeveritySmart:
		return "smart"
	case sigintake.SeverityFast:
		return "fast"
	case sigintake.SeverityImmediate:
		return "immediate"
	}
	return "none"
}

// beginStopBackends performs the StopBackends step: terminate every
// backend-class child (sessions, autovacuum, background workers, the
// startup process, the writers and the WAL auxiliaries) and move to
// WaitBackends. The checkpointer stays up so the shutdown checkpoint can
// still be written, the syslogger stays up to log the rest of the
// shutdown, and the archiver drains its backlog on its own signal later.
func (m *Machine) beginStopBackends() {
	m.connsAllowed = false
	m.setState(StopBackends)
	m.d.Registry.Iter(registry.MaskAll, func(rec *registry.Record) {
		if !isBackendKind(rec.Kind) || rec.DeadEnd {
			return
		}
		m.d.Signal(rec.Pid, int(unix.SIGTERM))
	})
	m.setState(WaitBackends)
	m.advance()
}

// isBackendKind reports whether k belongs to the class WaitBackends
// drains first: everything except the checkpointer, the archiver and
// the syslogger.
func isBackendKind(k kinds.Kind) bool {
	switch k {
	case kinds.Checkpointer, kinds.Archiver, kinds.SysLogger:
		return false
	}
	return true
}

// quitAllChildren delivers quit-with-core to every live child except the
// syslogger, which stays up so the deaths it is about to report are not
// lost, and arms the 5-second SIGKILL escalation.
func (m *Machine) quitAllChildren() {
	sig := m.quitSignal()
	m.d.Registry.Iter(registry.MaskAll, func(rec *registry.Record) {
		if rec.Kind == kinds.SysLogger {
			return
		}
		m.d.Signal(rec.Pid, sig)
	})
	m.killDeadline = m.d.Clock().Add(killEscalationDelay)
}

// HandleReload forwards the reload request to every live child.
func (m *Machine) HandleReload() {
	m.d.Log.Info().Msg("reloading configuration")
	m.d.Registry.Iter(registry.MaskAll, func(rec *registry.Record) {
		m.d.Signal(rec.Pid, int(unix.SIGHUP))
	})
}

// ReapChildExit processes one reaped child. status is the child's exit
// status: 0 is a clean exit, 1 a clean fatal, anything else a crash.
// The caller drains all pending exits through here before the event loop
// does anything else, so no stale pid is ever mistaken for a live child.
func (m *Machine) ReapChildExit(pid, status int) {
	m.archiverCanRestart = true

	rec := m.d.Registry.Find(pid)
	if rec == nil {
		// Unknown pid: a grandchild reparented to us, or a double reap.
		m.d.Log.Debug().Int("pid", pid).Msg("reaped unknown pid")
		return
	}
	kind := rec.Kind
	crashed := status != 0 && status != 1

	disposition := "clean"
	if status == 1 {
		disposition = "fatal"
	}
	if crashed {
		disposition = "crash"
	}
	if m.d.Metrics != nil {
		m.d.Metrics.ChildExits.WithLabelValues(kind.String(), disposition).Inc()
	}
	m.d.Log.Info().Int("pid", pid).Str("kind", kind.String()).Int("status", status).Msg("child exited")

	m.d.Registry.Remove(pid)
	if kind.IsSingleton() && m.d.Slots.Get(kind) == pid {
		m.d.Slots.Set(kind, 0)
	}
	if kind == kinds.BgWorker && m.d.BgNoteExit != nil {
		m.d.BgNoteExit(pid, crashed)
	}

	// The syslogger is respawned before anything else so log lines about
	// the reaps that follow are not lost.
	if kind == kinds.SysLogger {
		if m.state != WaitDeadEnd && m.state != NoChildren && m.mode != sigintake.SeverityImmediate {
			m.launchSingleton(kinds.SysLogger)
		}
		m.advance()
		return
	}

	if crashed {
		m.handleChildCrash(pid, kind)
		m.advance()
		return
	}

	switch kind {
	case kinds.Startup:
		m.startupExited(status)
	case kinds.Checkpointer:
		if m.state == Shutdown && status == 0 {
			// Shutdown checkpoint written; tell the archiver to finish
			// its backlog and exit.
			m.d.Registry.Iter(registry.MaskOf(kinds.Archiver), func(r *registry.Record) {
				m.d.Signal(r.Pid, int(unix.SIGUSR2))
			})
			m.setState(Shutdown2)
		}
	case kinds.Archiver:
		if m.archiverShouldRestart() {
			m.launchSingleton(kinds.Archiver)
		}
	}
	m.advance()
}

// archiverShouldRestart implements the restart-once-per-exit-event
// policy: the archiver may come back regardless of state while the
// supervisor is not draining it, at most once per reap event.
func (m *Machine) archiverShouldRestart() bool {
	if !m.archiverCanRestart {
		return false
	}
	if m.state == Shutdown || m.state == Shutdown2 || m.state == WaitDeadEnd || m.state == NoChildren {
		return false
	}
	if m.mode == sigintake.SeverityImmediate || m.fatalError {
		return false
	}
	m.archiverCanRestart = false
	return true
}

func (m *Machine) startupExited(status int) {
	if status != 0 {
		// Clean fatal from Startup: recovery could not proceed. If this
		// was already the post-crash attempt, exit rather than loop.
		if m.startupAfterCrash || m.state == Startup {
			m.d.Log.Error().Msg("startup process failed, cannot continue")
			m.d.Exit(1)
		}
		return
	}
	switch m.state {
	case Startup, Recovery, HotStandby:
		m.startupAfterCrash = false
		m.fatalError = false
		m.connsAllowed = true
		m.setState(Run)
		if m.d.SetPidfileStatus != nil {
			m.d.SetPidfileStatus(pidfile.StatusReady)
		}
		m.launchRunSingletons()
	}
}

// launchRunSingletons starts the steady-state helper set once normal
// operation begins.
func (m *Machine) launchRunSingletons() {
	for _, k := range []kinds.Kind{kinds.BgWriter, kinds.Checkpointer, kinds.WalWriter, kinds.AutoVacLauncher, kinds.Archiver, kinds.WalSummarizer} {
		if !m.d.Slots.Running(k) {
			m.launchSingleton(k)
		}
	}
}

// MaintainSingletons opportunistically restarts singletons that should be
// running in the current state but are not (event loop step 4).
func (m *Machine) MaintainSingletons() {
	if m.mode != sigintake.SeverityNone || m.fatalError {
		return
	}
	switch m.state {
	case Run:
		m.launchRunSingletons()
	case Recovery, HotStandby:
		for _, k := range []kinds.Kind{kinds.BgWriter, kinds.Checkpointer} {
			if !m.d.Slots.Running(k) {
				m.launchSingleton(k)
			}
		}
	}
}

// PMEvent is a decoded inter-process signal the event loop hands over
// after checking and clearing the shared table.
type PMEvent int

const (
	PMRecoveryStarted PMEvent = iota
	PMBeginHotStandby
	PMStartWalReceiver
	PMStartAutovacWorker
	PMBackgroundWorkerChange
	PMAdvance
	PMRotateLogfile
)

// HandlePMEvent applies one inter-process event.
func (m *Machine) HandlePMEvent(ev PMEvent) {
	switch ev {
	case PMRecoveryStarted:
		if m.state == Startup {
			m.setState(Recovery)
		}
	case PMBeginHotStandby:
		if m.state == Recovery {
			m.connsAllowed = m.mode == sigintake.SeverityNone
			m.setState(HotStandby)
			m.observeState()
		}
	case PMStartWalReceiver:
		if m.okToStartHelpers() && !m.d.Slots.Running(kinds.WalReceiver) {
			m.launchSingleton(kinds.WalReceiver)
		}
	case PMStartAutovacWorker:
		if m.state == Run && m.mode == sigintake.SeverityNone {
			if _, err := m.d.Launch(kinds.AutoVacWorker); err != nil {
				m.d.Log.Error().Err(err).Msg("autovacuum worker launch failed")
			}
		}
	case PMRotateLogfile:
		if pid := m.d.Slots.Get(kinds.SysLogger); pid != 0 {
			m.d.Signal(pid, int(unix.SIGUSR1))
		}
	case PMAdvance:
		m.advance()
	case PMBackgroundWorkerChange:
		// The event loop owns the scheduler; it runs a pass after this.
	}
}

func (m *Machine) okToStartHelpers() bool {
	switch m.state {
	case Startup, Recovery, HotStandby, Run:
		return m.mode == sigintake.SeverityNone && !m.fatalError
	}
	return false
}

// handleChildCrash is the crash cascade: any tracked child exiting with a
// status that is neither 0 nor 1 condemns the whole sibling set, because
// it may have died holding locks or mid-write in the shared segment.
func (m *Machine) handleChildCrash(pid int, kind kinds.Kind) {
	if kind == kinds.Startup && m.state == Startup && m.startupAfterCrash {
		m.d.Log.Error().Msg("startup process crashed during crash recovery, giving up")
		m.d.Exit(1)
		return
	}

	if m.d.Metrics != nil {
		m.d.Metrics.CrashCascades.Inc()
	}
	if m.mode != sigintake.SeverityImmediate {
		m.fatalError = true
	}
	m.connsAllowed = false
	m.observeState()
	m.d.Log.Warn().Int("pid", pid).Str("kind", kind.String()).Msg("child crashed, terminating all other children")

	m.quitAllChildren()

	switch m.state {
	case Init, Startup, Recovery, HotStandby, Run, StopBackends:
		m.setState(WaitBackends)
	}
}

// CheckKillDeadline escalates to SIGKILL (or SIGABRT when the core knob
// is set) for any child still alive past the 5-second grace period.
// Returns the remaining grace time, zero if no escalation is armed.
func (m *Machine) CheckKillDeadline(now time.Time) time.Duration {
	if m.killDeadline.IsZero() {
		return 0
	}
	if now.Before(m.killDeadline) {
		return m.killDeadline.Sub(now)
	}
	sig := int(unix.SIGKILL)
	if m.d.QuitWithAbort {
		sig = int(unix.SIGABRT)
	}
	m.d.Registry.Iter(registry.MaskAll, func(rec *registry.Record) {
		m.d.Log.Warn().Int("pid", rec.Pid).Str("kind", rec.Kind.String()).Msg("child did not exit in time, killing")
		m.d.Signal(rec.Pid, sig)
	})
	m.killDeadline = time.Time{}
	return 0
}

// advance walks the tail of the state graph: each call moves through
// every transition whose precondition currently holds, so a single reap
// can carry the machine through several states at once.
func (m *Machine) advance() {
	if m.state == WaitBackends {
		// Every backend-class child must be gone before the shutdown
		// checkpoint can be requested.
		remaining := 0
		m.d.Registry.Iter(registry.MaskAll, func(rec *registry.Record) {
			if !isBackendKind(rec.Kind) || rec.DeadEnd {
				return
			}
			remaining++
		})
		if remaining == 0 {
			if m.fatalError || m.mode == sigintake.SeverityImmediate {
				// Crash path or immediate shutdown: no shutdown
				// checkpoint; the checkpointer and archiver were already
				// quit-signaled.
				m.enterWaitDeadEnd()
			} else if m.d.Slots.Running(kinds.Checkpointer) {
				m.setState(Shutdown)
				// The checkpointer gets the shutdown-checkpoint request;
				// its clean exit drives the next transition.
				m.d.Signal(m.d.Slots.Get(kinds.Checkpointer), int(unix.SIGUSR2))
			} else {
				// No checkpointer was ever launched (early shutdown);
				// nothing to checkpoint.
				m.setState(Shutdown)
				m.setState(Shutdown2)
			}
		}
	}

	if m.state == Shutdown2 {
		if m.d.Registry.Count(registry.MaskOf(kinds.Archiver)) == 0 {
			m.enterWaitDeadEnd()
		}
	}

	if m.state == WaitDeadEnd {
		if syslog := m.d.Slots.Get(kinds.SysLogger); syslog != 0 && m.d.Registry.Len() == 1 {
			// Only the syslogger remains; it goes last so every other
			// death got logged.
			m.d.Signal(syslog, int(unix.SIGTERM))
		}
		if m.d.Registry.Len() == 0 {
			m.setState(NoChildren)
		}
	}

	if m.state == NoChildren {
		m.noChildren()
	}
}

func (m *Machine) enterWaitDeadEnd() {
	m.setState(WaitDeadEnd)
	m.d.StopAccepting()
}

// noChildren resolves the terminal state: exit, or crash-restart.
func (m *Machine) noChildren() {
	if m.mode != sigintake.SeverityNone {
		status := 0
		if m.fatalError {
			status = 1
		}
		m.d.Exit(status)
		return
	}
	if m.fatalError && m.d.RestartAfterCrash {
		m.d.Log.Warn().Msg("all children exited; reinitializing and restarting")
		if err := m.d.ReinitSharedMemory(); err != nil {
			m.d.Log.Error().Err(err).Msg("shared memory reinitialization failed")
			m.d.Exit(1)
			return
		}
		if m.d.Metrics != nil {
			m.d.Metrics.ShmReinits.Inc()
		}
		m.killDeadline = time.Time{}
		m.fatalError = false
		m.startupAfterCrash = true
		if !m.d.Slots.Running(kinds.SysLogger) {
			m.launchSingleton(kinds.SysLogger)
		}
		if !m.launchSingleton(kinds.Startup) {
			m.d.Exit(1)
			return
		}
		m.setState(Startup)
		return
	}
	m.d.Exit(1)
}

// SessionEnded is called by the event loop after reaping when a smart
// shutdown is draining sessions: once the last one is gone the ordered
// shutdown begins.
func (m *Machine) SessionEnded() {
	if m.mode == sigintake.SeveritySmart && (m.state == Run || m.state == HotStandby) {
		if m.d.Registry.Count(registry.MaskOf(kinds.Session)) == 0 {
			m.beginStopBackends()
		}
	}
}
