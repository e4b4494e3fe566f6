package ipc

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPMSignalSetLocalAndTake(t *testing.T) {
	region := make([]byte, PMSignalSize())
	pm, err := NewPMSignal(region, os.Getpid())
	require.NoError(t, err)

	assert.False(t, pm.Take(RecoveryStarted))

	pm.SetLocal(RecoveryStarted)
	pm.SetLocal(RotateLogfile)

	assert.True(t, pm.Take(RecoveryStarted))
	assert.False(t, pm.Take(RecoveryStarted), "take clears")
	assert.False(t, pm.Take(BeginHotStandby), "flags are independent")
	assert.True(t, pm.Take(RotateLogfile))
}

func TestPMSignalFlagsLiveInRegion(t *testing.T) {
	region := make([]byte, PMSignalSize())
	pm, err := NewPMSignal(region, os.Getpid())
	require.NoError(t, err)

	pm.SetLocal(AdvanceStateMachine)
	assert.NotEqual(t, make([]byte, len(region)), region, "flag writes land in the backing bytes")

	// A second view over the same bytes observes the flag, the way a
	// reattached child does.
	peer, err := NewPMSignal(region, os.Getpid())
	require.NoError(t, err)
	assert.True(t, peer.Take(AdvanceStateMachine))
	assert.False(t, pm.Take(AdvanceStateMachine))
}

func TestPMSignalSetDeliversSIGUSR1(t *testing.T) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	defer signal.Stop(ch)

	region := make([]byte, PMSignalSize())
	pm, err := NewPMSignal(region, os.Getpid())
	require.NoError(t, err)

	require.NoError(t, pm.Set(StartAutovacWorker))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGUSR1 not delivered")
	}
	assert.True(t, pm.Take(StartAutovacWorker))
}

func TestPMSignalRejectsShortRegion(t *testing.T) {
	_, err := NewPMSignal(make([]byte, PMSignalSize()-1), 1)
	assert.Error(t, err)
}

func TestReasonStrings(t *testing.T) {
	for _, r := range Reasons() {
		assert.NotEqual(t, "unknown", r.String())
	}
	assert.Equal(t, "unknown", Reason(-1).String())
}

func startServer(t *testing.T, hooks AdminHooks) *AdminServer {
	t.Helper()
	s, err := ServeAdmin(zerolog.Nop(), t.TempDir(), hooks)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestAdminStatusRoundTrip(t *testing.T) {
	s := startServer(t, AdminHooks{
		Status: func() StatusResponse {
			return StatusResponse{Pid: 123, State: "run", ConnsAllowed: true, LiveChildren: 4}
		},
	})

	c, err := DialPath(s.Path())
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, 123, res.Pid)
	assert.Equal(t, "run", res.State)
	assert.True(t, res.ConnsAllowed)
	assert.Equal(t, 4, res.LiveChildren)
	assert.NotEmpty(t, res.ID)
}

func TestAdminReloadInvokesHook(t *testing.T) {
	reloaded := make(chan struct{}, 1)
	s := startServer(t, AdminHooks{Reload: func() { reloaded <- struct{}{} }})

	c, err := DialPath(s.Path())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Reload())
	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload hook not invoked")
	}
}

func TestAdminStopPassesMode(t *testing.T) {
	var mode string
	s := startServer(t, AdminHooks{Stop: func(m string) error { mode = m; return nil }})

	c, err := DialPath(s.Path())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Stop("fast"))
	assert.Equal(t, "fast", mode)
}

func TestAdminStopErrorReachesClient(t *testing.T) {
	s := startServer(t, AdminHooks{
		Stop: func(string) error { return errors.New("unknown stop mode") },
	})

	c, err := DialPath(s.Path())
	require.NoError(t, err)
	defer c.Close()

	err = c.Stop("gentle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stop mode")
}

func TestAdminMultipleRequestsPerConnection(t *testing.T) {
	s := startServer(t, AdminHooks{
		Status: func() StatusResponse { return StatusResponse{Pid: 1} },
	})

	c, err := DialPath(s.Path())
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		_, err := c.Status()
		require.NoError(t, err)
	}
}

func TestFindSupervisor(t *testing.T) {
	dir := t.TempDir()

	_, err := FindSupervisor(dir)
	assert.Error(t, err, "no socket yet")

	require.NoError(t, os.WriteFile(filepath.Join(dir, AdminSocketName), []byte("x"), 0600))
	_, err = FindSupervisor(dir)
	assert.Error(t, err, "plain file is not a supervisor")
	require.NoError(t, os.Remove(filepath.Join(dir, AdminSocketName)))

	s, err := ServeAdmin(zerolog.Nop(), dir, AdminHooks{
		Status: func() StatusResponse { return StatusResponse{Pid: os.Getpid()} },
	})
	require.NoError(t, err)
	defer s.Close()

	c, err := FindSupervisor(dir)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), res.Pid)
}

func TestCloseUnlinksSocket(t *testing.T) {
	dir := t.TempDir()
	s, err := ServeAdmin(zerolog.Nop(), dir, AdminHooks{})
	require.NoError(t, err)

	s.Close()
	_, err = os.Stat(filepath.Join(dir, AdminSocketName))
	assert.True(t, os.IsNotExist(err))
}
