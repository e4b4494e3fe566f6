// Package connadmit decides what happens to an accepted client socket:
// a real session, a dead-end rejection worker carrying a specific
// reason, or, for cancel-request packets, an interrupt delivered to the
// targeted session if and only if the 32-bit token matches.
package connadmit

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pgboss/pgboss/internal/kinds"
	"github.com/pgboss/pgboss/internal/metrics"
	"github.com/pgboss/pgboss/internal/registry"
	"github.com/pgboss/pgboss/internal/sigintake"
	"github.com/pgboss/pgboss/internal/statemachine"
)

// Wire codes in the first client packet: a 4-byte big-endian length
// (including itself) followed by a 4-byte request code.
const (
	sessionRequestCode  = 0x00030000 // ordinary session startup
	bgworkerRequestCode = 0x00030001 // connection on behalf of a bgworker
	cancelRequestCode   = 80877102   // pid + token follow
)

// RejectReason names why a connection was turned away. The dead-end child
// relays the string to the client before exiting, so clients always see a
// protocol-clean error naming the state rather than a dropped socket.
type RejectReason string

const (
	RejectNone          RejectReason = ""
	RejectStartingUp    RejectReason = "the database system is starting up"
	RejectNotConsistent RejectReason = "the database system is not yet accepting connections"
	RejectRecovery      RejectReason = "the database system is in recovery mode"
	RejectShuttingDown  RejectReason = "the database system is shutting down"
	RejectTooMany       RejectReason = "sorry, too many clients already"
)

func (r RejectReason) metric() string {
	switch r {
	case RejectStartingUp:
		return "starting_up"
	case RejectNotConsistent:
		return "not_consistent"
	case RejectRecovery:
		return "recovery"
	case RejectShuttingDown:
		return "shutting_down"
	case RejectTooMany:
		return "too_many"
	}
	return "none"
}

// Lifecycle is the state-machine view the admitter consults. Satisfied
// by *statemachine.Machine.
type Lifecycle interface {
	State() statemachine.State
	ConnsAllowed() bool
	Mode() sigintake.Severity
}

// Launcher starts the child that takes over the socket: a real session on
// admission, a dead-end worker on rejection. The boss backs this with the
// child launcher, handing the connection over as an inherited descriptor.
type Launcher interface {
	LaunchSession(conn net.Conn) error
	LaunchDeadEnd(conn net.Conn, reason RejectReason) error
}

// Signaler delivers the cancel interrupt.
type Signaler interface {
	Signal(pid, sig int) error
}

// Admitter applies the admission policy.
type Admitter struct {
	Log       zerolog.Logger
	Lifecycle Lifecycle
	Registry  *registry.Registry
	Launcher  Launcher
	Signaler  Signaler
	Metrics   *metrics.Metrics

	// Ceiling is the live-children limit:
	// 2*(max-sessions + max-autovac + max-walsenders + max-bgworkers + 1).
	Ceiling int
}

// Decide computes the admission verdict for a connection of the given
// kind, without side effects. Exported separately so the policy is
// testable state by state.
func Decide(state statemachine.State, connsAllowed bool, mode sigintake.Severity, live, ceiling int, kind kinds.Kind) RejectReason {
	serving := state == statemachine.Run || state == statemachine.HotStandby
	if !serving && kind != kinds.BgWorker {
		switch state {
		case statemachine.Init, statemachine.Startup:
			return RejectStartingUp
		case statemachine.Recovery:
			return RejectNotConsistent
		default:
			return RejectShuttingDown
		}
	}
	if live >= ceiling {
		return RejectTooMany
	}
	if kind == kinds.Session {
		if mode == sigintake.SeveritySmart || !connsAllowed {
			if state == statemachine.Recovery {
				return RejectNotConsistent
			}
			return RejectShuttingDown
		}
	}
	return RejectNone
}

// HandleConn reads the first client packet and dispatches: cancel
// requests are served inline; everything else goes through Decide and
// then to the session or dead-end launcher. The admitter closes conn
// itself on wire errors, after serving a cancel request, and when no
// child could be launched to take it; otherwise ownership passes to the
// child.
func (a *Admitter) HandleConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	code, body, err := readFirstPacket(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		a.Log.Debug().Err(err).Msg("dropping connection with unreadable first packet")
		conn.Close()
		return
	}

	if code == cancelRequestCode {
		a.handleCancel(body)
		conn.Close()
		return
	}

	kind := kinds.Session
	if code == bgworkerRequestCode {
		kind = kinds.BgWorker
	}

	lc := a.Lifecycle
	reason := Decide(lc.State(), lc.ConnsAllowed(), lc.Mode(), a.Registry.Len(), a.Ceiling, kind)
	if reason != RejectNone {
		if a.Metrics != nil {
			a.Metrics.ConnRejections.WithLabelValues(reason.metric()).Inc()
		}
		a.Log.Info().Str("reason", string(reason)).Msg("rejecting connection")
		if err := a.Launcher.LaunchDeadEnd(conn, reason); err != nil {
			a.Log.Error().Err(err).Msg("dead-end launch failed")
			conn.Close()
		}
		return
	}

	if err := a.Launcher.LaunchSession(conn); err != nil {
		a.Log.Error().Err(err).Msg("session launch failed")
		if lerr := a.Launcher.LaunchDeadEnd(conn, RejectTooMany); lerr != nil {
			conn.Close()
		}
		return
	}
}

// handleCancel scans the registry for the (pid, token) pair and delivers
// SIGINT on a match. A mismatched token or unknown pid is logged and
// dropped; the requester learns nothing either way.
func (a *Admitter) handleCancel(body []byte) {
	if len(body) < 8 {
		a.Log.Warn().Msg("malformed cancel request")
		return
	}
	pid := int(binary.BigEndian.Uint32(body[0:4]))
	token := binary.BigEndian.Uint32(body[4:8])

	rec := a.Registry.Find(pid)
	if rec == nil {
		a.observeCancel("unknown_pid")
		a.Log.Info().Int("pid", pid).Msg("cancel request for unknown pid, dropped")
		return
	}
	if rec.Token != token {
		a.observeCancel("mismatch")
		a.Log.Warn().Int("pid", pid).Msg("cancel request with wrong token, dropped")
		return
	}
	a.observeCancel("delivered")
	a.Log.Info().Int("pid", pid).Msg("delivering cancel interrupt")
	a.Signaler.Signal(pid, int(unix.SIGINT))
}

func (a *Admitter) observeCancel(outcome string) {
	if a.Metrics != nil {
		a.Metrics.CancelRequests.WithLabelValues(outcome).Inc()
	}
}

// readFirstPacket reads the length-prefixed first packet: 4-byte length
// (including the prefix), 4-byte code, then the remainder.
func readFirstPacket(conn net.Conn) (code uint32, body []byte, err error) {
	var hdr [8]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("connadmit: read packet header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	code = binary.BigEndian.Uint32(hdr[4:8])
	if length < 8 || length > 1<<20 {
		return 0, nil, fmt.Errorf("connadmit: implausible packet length %d", length)
	}
	body = make([]byte, length-8)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, fmt.Errorf("connadmit: read packet body: %w", err)
	}
	return code, body, nil
}

// EncodeCancelRequest builds the wire form of a cancel request, used by
// client-side tooling and tests.
func EncodeCancelRequest(pid int, token uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], uint32(pid))
	binary.BigEndian.PutUint32(buf[12:16], token)
	return buf
}

// EncodeStartup builds a minimal session (or bgworker) startup packet for
// tests and the single-user path.
func EncodeStartup(kind kinds.Kind) []byte {
	code := uint32(sessionRequestCode)
	if kind == kinds.BgWorker {
		code = bgworkerRequestCode
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], 8)
	binary.BigEndian.PutUint32(buf[4:8], code)
	return buf
}
