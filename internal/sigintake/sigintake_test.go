package sigintake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touched(l *Latch) bool {
	select {
	case <-l.C():
		return true
	default:
		return false
	}
}

func TestLatchCoalescesTouches(t *testing.T) {
	l := NewLatch()
	assert.False(t, touched(l))

	l.Touch()
	l.Touch()
	l.Touch()

	assert.True(t, touched(l), "at least one wakeup delivered")
	assert.False(t, touched(l), "repeated touches collapse into one")
}

func TestLatchTouchAfterDrain(t *testing.T) {
	l := NewLatch()
	l.Touch()
	require.True(t, touched(l))
	l.Touch()
	assert.True(t, touched(l))
}

func TestRequestShutdownLatchesSeverity(t *testing.T) {
	l := NewLatch()
	in := New(l)

	in.RequestShutdown(SeverityFast)
	assert.True(t, touched(l))

	pending, sev := in.TakeShutdown()
	assert.True(t, pending)
	assert.Equal(t, SeverityFast, sev)

	pending, sev = in.TakeShutdown()
	assert.False(t, pending, "take clears the bit")
	assert.Equal(t, SeverityNone, sev)
}

func TestShutdownSeverityOnlyIncreases(t *testing.T) {
	in := New(NewLatch())

	in.RequestShutdown(SeverityImmediate)
	in.RequestShutdown(SeveritySmart)

	_, sev := in.TakeShutdown()
	assert.Equal(t, SeverityImmediate, sev, "a later weaker request never downgrades")
}

func TestShutdownSeverityEscalates(t *testing.T) {
	in := New(NewLatch())

	in.RequestShutdown(SeveritySmart)
	in.RequestShutdown(SeverityFast)

	_, sev := in.TakeShutdown()
	assert.Equal(t, SeverityFast, sev)
}

func TestPeekShutdownSeverityDoesNotClear(t *testing.T) {
	in := New(NewLatch())
	in.RequestShutdown(SeverityFast)

	assert.Equal(t, SeverityFast, in.PeekShutdownSeverity())
	assert.Equal(t, SeverityFast, in.PeekShutdownSeverity())

	pending, sev := in.TakeShutdown()
	assert.True(t, pending)
	assert.Equal(t, SeverityFast, sev)
	assert.Equal(t, SeverityNone, in.PeekShutdownSeverity())
}

func TestReloadBit(t *testing.T) {
	l := NewLatch()
	in := New(l)

	assert.False(t, in.TakeReload())
	in.RequestReload()
	assert.True(t, touched(l))
	assert.True(t, in.TakeReload())
	assert.False(t, in.TakeReload())
}

func TestChildExitBit(t *testing.T) {
	l := NewLatch()
	in := New(l)

	in.RequestChildExit()
	in.RequestChildExit()
	assert.True(t, touched(l))
	assert.True(t, in.TakeChildExit())
	assert.False(t, in.TakeChildExit(), "duplicate notifications collapse")
}

func TestBitsAreIndependent(t *testing.T) {
	in := New(NewLatch())
	in.RequestReload()

	pending, _ := in.TakeShutdown()
	assert.False(t, pending)
	assert.False(t, in.TakeChildExit())
	assert.False(t, in.TakePMSignal())
	assert.True(t, in.TakeReload())
}

func TestStartStopDeliversNothingAfterStop(t *testing.T) {
	l := NewLatch()
	in := New(l)
	in.Start()
	in.Stop()

	// Give the run goroutine a moment to observe stop.
	time.Sleep(10 * time.Millisecond)
	pending, _ := in.TakeShutdown()
	assert.False(t, pending)
}
