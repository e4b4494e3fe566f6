// Package ipc carries the two channels children use to talk to the
// supervisor: the shared-memory table of typed single-shot events (a
// child sets a bit and sends SIGUSR1; the supervisor checks and clears
// it), and a small JSON-over-unix-socket admin protocol for operator
// tooling.
package ipc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Reason is a typed single-shot event in the inter-process signal table.
type Reason int

const (
	RecoveryStarted Reason = iota
	BeginHotStandby
	StartWalReceiver
	StartAutovacWorker
	BackgroundWorkerChange
	AdvanceStateMachine
	RotateLogfile

	numReasons
)

var reasonNames = [numReasons]string{
	RecoveryStarted:        "recovery-started",
	BeginHotStandby:        "begin-hot-standby",
	StartWalReceiver:       "start-walreceiver",
	StartAutovacWorker:     "start-autovac-worker",
	BackgroundWorkerChange: "bgworker-state-changed",
	AdvanceStateMachine:    "advance-state-machine",
	RotateLogfile:          "rotate-logfile",
}

func (r Reason) String() string {
	if r < 0 || r >= numReasons {
		return "unknown"
	}
	return reasonNames[r]
}

// Reasons returns every reason in table order.
func Reasons() []Reason {
	out := make([]Reason, numReasons)
	for i := range out {
		out[i] = Reason(i)
	}
	return out
}

// PMSignalSize is the byte size the table requests from the shared-memory
// provisioner: one flag word per reason, word-sized so atomic access never
// straddles a cache line boundary shared with a neighbor flag.
func PMSignalSize() int { return int(numReasons) * 4 }

// PMSignal is a view over the table's region of the shared segment. The
// supervisor constructs one at provisioning time; children reconstruct
// theirs over the reattached segment at the same offset.
type PMSignal struct {
	flags []uint32 // one word per reason, in segment memory
	pid   int      // supervisor pid, target of the SIGUSR1 wakeup
}

// NewPMSignal wraps region (which must be at least PMSignalSize bytes)
// and records the supervisor pid children signal after setting a flag.
// The words alias the region's backing memory, so flag writes land in the
// shared segment itself rather than a copy.
func NewPMSignal(region []byte, supervisorPid int) (*PMSignal, error) {
	if len(region) < PMSignalSize() {
		return nil, fmt.Errorf("ipc: pmsignal region too small: %d < %d", len(region), PMSignalSize())
	}
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&region[0])), numReasons)
	return &PMSignal{flags: words, pid: supervisorPid}, nil
}

// Set raises the flag for reason and wakes the supervisor with SIGUSR1.
// Called from child processes.
func (p *PMSignal) Set(r Reason) error {
	atomic.StoreUint32(&p.flags[r], 1)
	if err := unix.Kill(p.pid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("ipc: signal supervisor %d: %w", p.pid, err)
	}
	return nil
}

// SetLocal raises the flag without the SIGUSR1, for callers inside the
// supervisor process that already hold the latch.
func (p *PMSignal) SetLocal(r Reason) {
	atomic.StoreUint32(&p.flags[r], 1)
}

// Take reports and clears the flag for reason. Called only from the
// supervisor's event loop.
func (p *PMSignal) Take(r Reason) bool {
	return atomic.SwapUint32(&p.flags[r], 0) != 0
}
