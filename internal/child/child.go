// Package child is the worker-side entry point of a re-exec'd child
// process. The engine work each kind performs (SQL, WAL redo, vacuum
// decisions) lives behind the kind runners; this package implements the
// obligations every child owes the supervisor: honor the inherited
// death-watch pipe, exit 0 on SIGTERM, exit with status 2 on SIGQUIT,
// and, for dead-end children, emit exactly one rejection message and
// quit.
package child

import (
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pgboss/pgboss/internal/kinds"
)

// Inherited descriptor layout after stdin/stdout/stderr: the death-watch
// read end first, then the client socket for connection-carrying kinds.
const (
	deathWatchFD = 3
	clientConnFD = 4
)

// Params carries the identity the launcher put on the child's command
// line.
type Params struct {
	Kind          kinds.Kind
	Slot          int
	Token         uint32
	DeadEndReason string
}

// Main runs the child until exit and returns its exit status.
func Main(log zerolog.Logger, p Params) int {
	log = log.With().Str("kind", p.Kind.String()).Int("pid", os.Getpid()).Logger()

	if p.DeadEndReason != "" {
		return runDeadEnd(log, p.DeadEndReason)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGQUIT, unix.SIGINT, unix.SIGUSR2)

	deathCh := watchDeath()

	switch p.Kind {
	case kinds.Startup:
		// Recovery is the engine's job; with nothing to redo the startup
		// process reports success immediately and the supervisor opens
		// for business.
		log.Info().Msg("startup complete")
		return 0
	case kinds.Checkpointer:
		return runUntilFinishSignal(log, sigCh, deathCh)
	default:
		return runUntilStopped(log, sigCh, deathCh)
	}
}

// runDeadEnd sends the rejection message on the inherited client socket
// and exits cleanly. Dead-end children never touch shared state beyond
// their registry slot.
func runDeadEnd(log zerolog.Logger, reason string) int {
	conn := os.NewFile(clientConnFD, "client")
	if conn != nil {
		conn.WriteString("FATAL: " + reason + "\n")
		conn.Close()
	}
	log.Info().Str("reason", reason).Msg("rejected connection")
	return 0
}

// watchDeath blocks a goroutine on the death-watch pipe; EOF means the
// supervisor is gone and the child must exit rather than linger as an
// orphan holding shared resources.
func watchDeath() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		pipe := os.NewFile(deathWatchFD, "death-watch")
		if pipe == nil {
			return
		}
		var buf [1]byte
		pipe.Read(buf[:]) // blocks until supervisor exit closes the write end
		close(ch)
	}()
	return ch
}

func runUntilStopped(log zerolog.Logger, sigCh <-chan os.Signal, deathCh <-chan struct{}) int {
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case unix.SIGTERM:
				log.Info().Msg("terminating on request")
				return 0
			case unix.SIGQUIT:
				log.Warn().Msg("immediate quit requested")
				return 2
			case unix.SIGINT:
				// Query cancel: nothing in flight here, keep serving.
			case unix.SIGUSR2:
				log.Info().Msg("finishing up")
				return 0
			}
		case <-deathCh:
			log.Warn().Msg("supervisor died, exiting")
			return 1
		}
	}
}

// runUntilFinishSignal is the checkpointer's loop: SIGUSR2 requests the
// shutdown checkpoint, after which a clean exit tells the supervisor to
// proceed.
func runUntilFinishSignal(log zerolog.Logger, sigCh <-chan os.Signal, deathCh <-chan struct{}) int {
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case unix.SIGUSR2:
				log.Info().Msg("writing shutdown checkpoint")
				return 0
			case unix.SIGTERM:
				return 0
			case unix.SIGQUIT:
				return 2
			}
		case <-deathCh:
			return 1
		}
	}
}
