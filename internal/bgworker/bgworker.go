// Package bgworker schedules registered long-lived background workers:
// deciding on each pass which entries may start in the current
// lifecycle state, throttling restarts of crashed entries by their
// configured interval, and capping launches per pass so a large worker
// set never starves the rest of the event loop.
package bgworker

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/pgboss/pgboss/internal/kinds"
)

// StartTime is a worker's start-time predicate: the earliest lifecycle
// moment it may run.
type StartTime int

const (
	// StartAtSupervisorStart workers may run as soon as the supervisor
	// does, before recovery completes.
	StartAtSupervisorStart StartTime = iota
	// StartAtConsistentState workers may run once hot standby opens.
	StartAtConsistentState
	// StartAtRecoveryEnd workers may run only in normal operation.
	StartAtRecoveryEnd
)

// NeverRestart marks a worker that is removed instead of relaunched
// after a crash.
const NeverRestart time.Duration = -1

// MaxStartsPerPass caps launches in a single scheduling pass; if the cap
// is hit the scheduler reports more work pending and the event loop runs
// another pass without sleeping.
const MaxStartsPerPass = 100

// Worker is one registered background worker.
type Worker struct {
	Name            string
	Start           StartTime
	RestartInterval time.Duration // NeverRestart, or >= 0

	// Notify, if non-nil, is called when the entry is removed after a
	// crash with NeverRestart set, so the registrant learns its worker is
	// gone for good.
	Notify func(name string)

	pid       int
	terminate bool
	crashedAt time.Time // zero if never crashed
}

// Pid reports the worker's live pid, 0 if not running.
func (w *Worker) Pid() int { return w.pid }

// ServingStates maps a start predicate to whether it is satisfied by the
// supervisor's current serving capabilities.
type ServingStates struct {
	SupervisorStarted bool // always true once the scheduler runs
	ConsistentState   bool // hot standby reached or recovery finished
	RecoveryEnded     bool // normal operation
}

func (s ServingStates) satisfies(st StartTime) bool {
	switch st {
	case StartAtSupervisorStart:
		return s.SupervisorStarted
	case StartAtConsistentState:
		return s.ConsistentState
	case StartAtRecoveryEnd:
		return s.RecoveryEnded
	}
	return false
}

// Launch starts a child of the BgWorker kind carrying the worker's name
// and returns its pid. Provided by the boss, backed by the child
// launcher.
type Launch func(w *Worker) (pid int, err error)

// Scheduler owns the registration list. It is only ever touched from the
// event loop goroutine, so it carries no lock.
type Scheduler struct {
	log     zerolog.Logger
	clock   func() time.Time
	workers []*Worker

	morePending bool
}

// New builds an empty scheduler. clock is a variable for tests; pass
// time.Now in production.
func New(log zerolog.Logger, clock func() time.Time) *Scheduler {
	return &Scheduler{log: log, clock: clock}
}

// Register adds w to the scheduling set. Called during startup and, for
// dynamically registered workers, from pmsignal handling.
func (s *Scheduler) Register(w *Worker) {
	s.workers = append(s.workers, w)
	s.morePending = true
}

// Terminate flags the named worker for cleanup: it is never relaunched
// and its entry is dropped once it has exited.
func (s *Scheduler) Terminate(name string) {
	for _, w := range s.workers {
		if w.Name == name {
			w.terminate = true
		}
	}
}

// NoteExit records that the worker with the given pid has exited.
// crashed marks an unclean exit and starts the restart throttle clock.
// Returns the affected worker, or nil if no entry matches.
func (s *Scheduler) NoteExit(pid int, crashed bool) *Worker {
	for i, w := range s.workers {
		if w.pid != pid {
			continue
		}
		w.pid = 0
		if w.terminate {
			s.remove(i)
			return w
		}
		if crashed {
			if w.RestartInterval == NeverRestart {
				s.remove(i)
				if w.Notify != nil {
					w.Notify(w.Name)
				}
				s.log.Info().Str("worker", w.Name).Msg("bgworker crashed with restart disabled, removed")
				return w
			}
			w.crashedAt = s.clock()
		} else {
			// A clean exit restarts immediately on the next pass.
			w.crashedAt = time.Time{}
		}
		s.morePending = true
		return w
	}
	return nil
}

func (s *Scheduler) remove(i int) {
	s.workers = append(s.workers[:i], s.workers[i+1:]...)
}

// Pass runs one scheduling pass: launch every eligible worker, up to
// MaxStartsPerPass. It returns the number launched. If the cap was hit,
// the pending flag stays set and NextWake returns zero so the event loop
// comes straight back.
func (s *Scheduler) Pass(serving ServingStates, launch Launch) int {
	s.morePending = false
	now := s.clock()
	started := 0
	for _, w := range s.workers {
		if started >= MaxStartsPerPass {
			s.morePending = true
			break
		}
		if w.pid != 0 || w.terminate {
			continue
		}
		if !serving.satisfies(w.Start) {
			continue
		}
		if !w.crashedAt.IsZero() && now.Before(w.crashedAt.Add(w.RestartInterval)) {
			continue
		}
		pid, err := launch(w)
		if err != nil {
			// Treat a failed launch like a crash and let the throttle
			// path recover rather than retrying in a tight loop.
			s.log.Error().Str("worker", w.Name).Err(err).Msg("bgworker launch failed")
			w.crashedAt = now
			if w.RestartInterval == NeverRestart {
				w.terminate = true
			}
			continue
		}
		w.pid = pid
		w.crashedAt = time.Time{}
		started++
	}
	return started
}

// Pending reports whether another pass should run without sleeping.
func (s *Scheduler) Pending() bool { return s.morePending }

// NextWake returns how long the event loop may sleep before the next
// throttled restart becomes due: zero if work is already pending, the
// soonest crashedAt+interval otherwise, capped by max.
func (s *Scheduler) NextWake(max time.Duration) time.Duration {
	if s.morePending {
		return 0
	}
	now := s.clock()
	wake := max
	for _, w := range s.workers {
		if w.pid != 0 || w.terminate || w.crashedAt.IsZero() || w.RestartInterval == NeverRestart {
			continue
		}
		if d := w.crashedAt.Add(w.RestartInterval).Sub(now); d < wake {
			if d < 0 {
				d = 0
			}
			wake = d
		}
	}
	return wake
}

// Kind returns the child kind the scheduler launches, a convenience for
// boss wiring.
func Kind() kinds.Kind { return kinds.BgWorker }
