package connadmit

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/pgboss/pgboss/internal/kinds"
	"github.com/pgboss/pgboss/internal/registry"
	"github.com/pgboss/pgboss/internal/sigintake"
	"github.com/pgboss/pgboss/internal/statemachine"
)

func TestDecidePerState(t *testing.T) {
	tests := []struct {
		name         string
		state        statemachine.State
		connsAllowed bool
		mode         sigintake.Severity
		live         int
		kind         kinds.Kind
		want         RejectReason
	}{
		{"startup rejects", statemachine.Startup, false, sigintake.SeverityNone, 0, kinds.Session, RejectStartingUp},
		{"init rejects", statemachine.Init, false, sigintake.SeverityNone, 0, kinds.Session, RejectStartingUp},
		{"recovery rejects", statemachine.Recovery, false, sigintake.SeverityNone, 0, kinds.Session, RejectNotConsistent},
		{"run admits", statemachine.Run, true, sigintake.SeverityNone, 0, kinds.Session, RejectNone},
		{"hot standby admits", statemachine.HotStandby, true, sigintake.SeverityNone, 0, kinds.Session, RejectNone},
		{"wait backends rejects", statemachine.WaitBackends, false, sigintake.SeverityFast, 0, kinds.Session, RejectShuttingDown},
		{"smart drain rejects new sessions", statemachine.Run, false, sigintake.SeveritySmart, 0, kinds.Session, RejectShuttingDown},
		{"smart drain still admits bgworker conns", statemachine.Run, false, sigintake.SeveritySmart, 0, kinds.BgWorker, RejectNone},
		{"over ceiling", statemachine.Run, true, sigintake.SeverityNone, 10, kinds.Session, RejectTooMany},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.state, tt.connsAllowed, tt.mode, tt.live, 10, tt.kind)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideCeilingCountsEveryKind(t *testing.T) {
	// The ceiling covers all tracked children, not just sessions.
	assert.Equal(t, RejectTooMany,
		Decide(statemachine.Run, true, sigintake.SeverityNone, 10, 10, kinds.BgWorker))
}

type fakeLifecycle struct {
	state        statemachine.State
	connsAllowed bool
	mode         sigintake.Severity
}

func (f fakeLifecycle) State() statemachine.State { return f.state }
func (f fakeLifecycle) ConnsAllowed() bool        { return f.connsAllowed }
func (f fakeLifecycle) Mode() sigintake.Severity  { return f.mode }

type fakeLauncher struct {
	sessions int
	deadEnds []RejectReason
}

func (f *fakeLauncher) LaunchSession(conn net.Conn) error {
	f.sessions++
	conn.Close()
	return nil
}

func (f *fakeLauncher) LaunchDeadEnd(conn net.Conn, reason RejectReason) error {
	f.deadEnds = append(f.deadEnds, reason)
	conn.Close()
	return nil
}

type fakeSignaler struct {
	calls []struct{ pid, sig int }
}

func (f *fakeSignaler) Signal(pid, sig int) error {
	f.calls = append(f.calls, struct{ pid, sig int }{pid, sig})
	return nil
}

func newAdmitter(lc fakeLifecycle) (*Admitter, *fakeLauncher, *fakeSignaler, *registry.Registry) {
	reg := registry.New(16)
	l := &fakeLauncher{}
	s := &fakeSignaler{}
	a := &Admitter{
		Log:       zerolog.Nop(),
		Lifecycle: lc,
		Registry:  reg,
		Launcher:  l,
		Signaler:  s,
		Ceiling:   8,
	}
	return a, l, s, reg
}

// serve runs HandleConn against one end of a pipe while the test writes
// the client side.
func serve(t *testing.T, a *Admitter, packet []byte) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.HandleConn(server)
	}()
	_, err := client.Write(packet)
	require.NoError(t, err)
	client.Close()
	<-done
}

func TestHandleConnAdmitsSession(t *testing.T) {
	a, l, _, _ := newAdmitter(fakeLifecycle{state: statemachine.Run, connsAllowed: true})
	serve(t, a, EncodeStartup(kinds.Session))
	assert.Equal(t, 1, l.sessions)
	assert.Empty(t, l.deadEnds)
}

func TestHandleConnRejectsViaDeadEnd(t *testing.T) {
	a, l, _, _ := newAdmitter(fakeLifecycle{state: statemachine.Startup})
	serve(t, a, EncodeStartup(kinds.Session))
	assert.Zero(t, l.sessions)
	assert.Equal(t, []RejectReason{RejectStartingUp}, l.deadEnds)
}

func TestCancelRequestDeliveredOnTokenMatch(t *testing.T) {
	a, l, s, reg := newAdmitter(fakeLifecycle{state: statemachine.Run, connsAllowed: true})
	reg.Add(&registry.Record{Pid: 4242, Kind: kinds.Session, Slot: -1, Token: 0xdeadbeef})

	serve(t, a, EncodeCancelRequest(4242, 0xdeadbeef))

	require.Len(t, s.calls, 1)
	assert.Equal(t, 4242, s.calls[0].pid)
	assert.Equal(t, int(unix.SIGINT), s.calls[0].sig)
	assert.Zero(t, l.sessions, "cancel requests never become sessions")
}

func TestCancelRequestDroppedOnTokenMismatch(t *testing.T) {
	a, _, s, reg := newAdmitter(fakeLifecycle{state: statemachine.Run, connsAllowed: true})
	reg.Add(&registry.Record{Pid: 4242, Kind: kinds.Session, Slot: -1, Token: 0xdeadbeef})

	serve(t, a, EncodeCancelRequest(4242, 0xbadbad00))
	assert.Empty(t, s.calls)
}

func TestCancelRequestDroppedOnUnknownPid(t *testing.T) {
	a, _, s, _ := newAdmitter(fakeLifecycle{state: statemachine.Run, connsAllowed: true})
	serve(t, a, EncodeCancelRequest(777, 1))
	assert.Empty(t, s.calls)
}

func TestCancelWorksDuringShutdown(t *testing.T) {
	// A cancel request is served even when new sessions are rejected.
	a, _, s, reg := newAdmitter(fakeLifecycle{state: statemachine.WaitBackends, mode: sigintake.SeverityFast})
	reg.Add(&registry.Record{Pid: 99, Kind: kinds.Session, Slot: -1, Token: 7})

	serve(t, a, EncodeCancelRequest(99, 7))
	require.Len(t, s.calls, 1)
}

func TestMalformedFirstPacketDropsConnection(t *testing.T) {
	a, l, _, _ := newAdmitter(fakeLifecycle{state: statemachine.Run, connsAllowed: true})
	serve(t, a, []byte{0x00, 0x00})
	assert.Zero(t, l.sessions)
	assert.Empty(t, l.deadEnds)
}

func TestImplausibleLengthDropsConnection(t *testing.T) {
	a, l, _, _ := newAdmitter(fakeLifecycle{state: statemachine.Run, connsAllowed: true})
	// Length word claims 2 MiB.
	serve(t, a, []byte{0x00, 0x20, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00})
	assert.Zero(t, l.sessions)
	assert.Empty(t, l.deadEnds)
}
