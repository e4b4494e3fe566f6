// Package eventloop is the supervisor's single-threaded cooperative loop.
// Each iteration computes a sleep budget, blocks on exactly one
// multiplexed wait (latch wakeups, accepted connections, the pidfile
// watch, a timer), then processes pending work in a fixed priority
// order: shutdown request, reload, child exits, inter-process signals,
// socket accepts. Housekeeping (singleton respawn, bgworker passes,
// pidfile recheck, socket-file touch) runs at the tail of every
// iteration.
package eventloop

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgboss/pgboss/internal/bgworker"
	"github.com/pgboss/pgboss/internal/connadmit"
	"github.com/pgboss/pgboss/internal/ipc"
	"github.com/pgboss/pgboss/internal/kinds"
	"github.com/pgboss/pgboss/internal/pidfile"
	"github.com/pgboss/pgboss/internal/sigintake"
	"github.com/pgboss/pgboss/internal/socketlife"
	"github.com/pgboss/pgboss/internal/statemachine"
)

// Exit is one reaped child, delivered by the launcher's wait goroutines.
type Exit struct {
	Pid    int
	Status int
}

// Config is the loop's timing knobs.
type Config struct {
	MaxWait             time.Duration // upper bound on one blocking wait; 1 minute
	PidfileRecheck      time.Duration // default 1 minute
	SocketTouchInterval time.Duration // default 58 minutes
}

// Loop wires the supervisor's event sources together.
type Loop struct {
	Log     zerolog.Logger
	Cfg     Config
	Latch   *sigintake.Latch
	Intake  *sigintake.Intake
	Machine *statemachine.Machine
	Admit   *connadmit.Admitter

	// Exits receives every reaped child. Buffered generously by the boss
	// so wait goroutines never block behind a busy loop.
	Exits chan Exit

	// PM is the shared-memory event table; nil in single-user mode.
	PM *ipc.PMSignal

	Bg *bgworker.Scheduler
	// BgLaunch starts one background worker; nil when Bg is nil.
	BgLaunch bgworker.Launch
	// Serving reports which bgworker start-time predicates the current
	// state satisfies.
	Serving func() bgworker.ServingStates

	Pidfile *pidfile.File
	// PidfileWatch is the fsnotify fast path; may be nil (poll only).
	PidfileWatch <-chan struct{}

	Listeners *socketlife.Listeners

	// ReloadConfig re-reads configuration on SIGHUP before children are
	// told; may be nil.
	ReloadConfig func()

	Clock func() time.Time

	conns    chan net.Conn
	accepted bool

	lastPidfileCheck time.Time
	lastSocketTouch  time.Time
}

// StartAccepting launches one accept pump per listener. Pumps exit when
// their listener closes (StopAccepting in the state machine closes them
// all).
func (l *Loop) StartAccepting() {
	l.conns = make(chan net.Conn, 64)
	l.accepted = true
	for _, ln := range l.Listeners.All() {
		go func(ln net.Listener) {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				l.conns <- c
				l.Latch.Touch()
			}
		}(ln)
	}
}

// Run executes the loop until the state machine calls its exit hook.
// done is closed by the boss's exit hook so tests (and the real exit
// path, which runs cleanups before os.Exit) can unwind the loop.
func (l *Loop) Run(done <-chan struct{}) {
	now := l.Clock()
	l.lastPidfileCheck = now
	l.lastSocketTouch = now

	for {
		sleep := l.sleepBudget()

		timer := time.NewTimer(sleep)
		select {
		case <-done:
			timer.Stop()
			return
		case <-l.Latch.C():
		case c := <-l.conns:
			l.Admit.HandleConn(c)
		case <-l.PidfileWatch:
			l.recheckPidfile()
		case <-timer.C:
		}
		timer.Stop()

		// Regardless of which event woke us, process everything pending,
		// highest priority first.
		if pending, sev := l.Intake.TakeShutdown(); pending {
			l.Machine.HandleShutdownRequest(sev)
		}
		if l.Intake.TakeReload() {
			if l.ReloadConfig != nil {
				l.ReloadConfig()
			}
			l.Machine.HandleReload()
		}
		if l.Intake.TakeChildExit() {
			l.drainExits()
		}
		// Exit notifications can race the pending bit; drain the queue
		// unconditionally so reaping is always complete before the state
		// machine is consulted further.
		l.drainExits()
		if l.Intake.TakePMSignal() && l.PM != nil {
			l.drainPMSignals()
		}
		l.drainConns()

		l.Machine.MaintainSingletons()
		l.bgPass()
		l.housekeeping()

		select {
		case <-done:
			return
		default:
		}
	}
}

// sleepBudget computes how long the loop may block: zero when bgworker work is pending,
// otherwise the soonest of the next throttled bgworker restart and the
// one-minute cap; during a kill escalation, the remaining grace time.
func (l *Loop) sleepBudget() time.Duration {
	now := l.Clock()
	max := l.Cfg.MaxWait
	if remain := l.Machine.CheckKillDeadline(now); remain > 0 && remain < max {
		max = remain
	}
	if l.Bg != nil {
		if d := l.Bg.NextWake(max); d < max {
			max = d
		}
	}
	if max < 0 {
		max = 0
	}
	return max
}

func (l *Loop) drainExits() {
	sessionEnded := false
	for {
		select {
		case e := <-l.Exits:
			if rec := l.Admit.Registry.Find(e.Pid); rec != nil && rec.Kind == kinds.Session {
				sessionEnded = true
			}
			l.Machine.ReapChildExit(e.Pid, e.Status)
		default:
			if sessionEnded {
				l.Machine.SessionEnded()
			}
			return
		}
	}
}

var pmEventFor = map[ipc.Reason]statemachine.PMEvent{
	ipc.RecoveryStarted:        statemachine.PMRecoveryStarted,
	ipc.BeginHotStandby:        statemachine.PMBeginHotStandby,
	ipc.StartWalReceiver:       statemachine.PMStartWalReceiver,
	ipc.StartAutovacWorker:     statemachine.PMStartAutovacWorker,
	ipc.BackgroundWorkerChange: statemachine.PMBackgroundWorkerChange,
	ipc.AdvanceStateMachine:    statemachine.PMAdvance,
	ipc.RotateLogfile:          statemachine.PMRotateLogfile,
}

func (l *Loop) drainPMSignals() {
	for _, r := range ipc.Reasons() {
		if !l.PM.Take(r) {
			continue
		}
		l.Log.Debug().Str("reason", r.String()).Msg("inter-process signal")
		l.Machine.HandlePMEvent(pmEventFor[r])
	}
}

func (l *Loop) drainConns() {
	if !l.accepted {
		return
	}
	for {
		select {
		case c := <-l.conns:
			l.Admit.HandleConn(c)
		default:
			return
		}
	}
}

func (l *Loop) bgPass() {
	if l.Bg == nil {
		return
	}
	if started := l.Bg.Pass(l.Serving(), l.BgLaunch); started > 0 {
		l.Log.Debug().Int("started", started).Msg("background workers launched")
	}
	if l.Bg.Pending() {
		// More eligible workers than one pass allows; come straight back.
		l.Latch.Touch()
	}
}

func (l *Loop) housekeeping() {
	now := l.Clock()
	if l.Pidfile != nil && now.Sub(l.lastPidfileCheck) >= l.Cfg.PidfileRecheck {
		l.lastPidfileCheck = now
		l.recheckPidfile()
	}
	if l.Listeners != nil && now.Sub(l.lastSocketTouch) >= l.Cfg.SocketTouchInterval {
		l.lastSocketTouch = now
		l.Listeners.Touch(now)
	}
}

func (l *Loop) recheckPidfile() {
	if l.Pidfile == nil {
		return
	}
	if err := l.Pidfile.Recheck(); err != nil {
		l.Log.Error().Err(err).Msg("pidfile vanished or altered, shutting down immediately")
		l.Intake.RequestShutdown(sigintake.SeverityImmediate)
	}
}
