// Package launcher starts children of a named kind and hands them either
// inherited state (fork-style) or a serialized payload they reattach to
// (spawn-style).
//
// Pure Go cannot safely fork() a multi-goroutine runtime: the child would
// inherit a runtime mid-scheduling with no guarantee any goroutine but
// the forking one survives. ForkLauncher therefore re-executes its own
// binary (os/exec.Command on os.Executable()) with the death-watch pipe
// and any accepted client socket as ExtraFiles, so no serialization round-trip is
// needed and the fds themselves are the inherited state. SpawnLauncher
// implements the spawn-and-reattach path: it writes a private file the
// child loads by path.
package launcher

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pgboss/pgboss/internal/kinds"
)

// Payload is whatever kind-specific data a child needs beyond the common
// shared-segment identifier and configuration.
type Payload map[string]any

// Recompute is a subsystem's local-pointer recomputation callback for
// spawn-and-reattach mode: one entry per subsystem, rather than a central
// switch, so new subsystems register their own reattachment logic.
type Recompute func(segKey int) error

// Launched describes a freshly started child.
type Launched struct {
	Pid     int
	Kind    kinds.Kind
	Slot    int
	Token   uint32
	DeadEnd bool
}

// Launcher is satisfied by both launch strategies.
type Launcher interface {
	// Launch starts a child of kind k. deadEndReason is non-empty when the
	// child should be marked dead-end: it refuses to serve queries and
	// quits after emitting a single rejection message. files are handed to
	// the child as inherited descriptors beyond the standard set (the
	// accepted client socket, for Session and dead-end kinds).
	Launch(ctx context.Context, k kinds.Kind, payload Payload, deadEndReason string, files ...*os.File) (Launched, error)
}

// ExitFn is called once per child, from a per-child goroutine, when the
// child has been waited on. status is the exit status (0 clean, 1 clean
// fatal, anything else a crash; signal deaths are reported as 128+signal).
// The boss's ExitFn enqueues the (pid, status) pair and raises the
// pending-child-exit bit, standing in for a SIGCHLD handler.
type ExitFn func(pid, status int)

// DeathWatch is the pipe whose read end tells children the supervisor is
// gone: the supervisor holds the write end for its whole life, every
// child inherits the read end, and supervisor death closes the write end,
// waking any child blocked on it.
type DeathWatch struct {
	r, w *os.File
}

// NewDeathWatch creates the pipe.
func NewDeathWatch() (*DeathWatch, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: death-watch pipe: %w", err)
	}
	return &DeathWatch{r: r, w: w}, nil
}

// ChildEnd is the read end passed to every child.
func (d *DeathWatch) ChildEnd() *os.File { return d.r }

// Close releases both ends, for tests.
func (d *DeathWatch) Close() {
	d.r.Close()
	d.w.Close()
}

// watchExit waits for cmd on its own goroutine and reports the decoded
// exit status, the same cmd.Wait-in-goroutine discipline the supervisor
// relies on instead of a raw SIGCHLD reaper.
func watchExit(cmd *exec.Cmd, onExit ExitFn) {
	if onExit == nil {
		go cmd.Wait()
		return
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		status := 0
		if err != nil {
			status = 255
			if exErr, ok := err.(*exec.ExitError); ok {
				ws := exErr.Sys().(syscall.WaitStatus)
				if ws.Signaled() {
					status = 128 + int(ws.Signal())
				} else {
					status = ws.ExitStatus()
				}
			}
		}
		onExit(pid, status)
	}()
}

// BecomeSubreaper marks the calling process as a child subreaper, so
// grandchildren orphaned by a dying dead-end worker reparent to the
// supervisor and get waited on instead of accumulating under init. Not
// supported on every kernel; callers treat failure as advisory.
func BecomeSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("launcher: set child subreaper: %w", err)
	}
	return nil
}

// execPath is resolved once; overridable in tests.
var execPath = func() string {
	p, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return p
}

// ForkLauncher re-execs the supervisor binary in "child" mode, passing
// ExtraFiles (the death-watch read end) followed by the per-launch files
// (an accepted client socket) as extra file descriptors, the Go-native
// stand-in for classic fork() described above.
type ForkLauncher struct {
	Log        zerolog.Logger
	ChildArg   string // e.g. "--pgboss-child"
	ExtraFiles []*os.File
	SlotAlloc  func() int
	OnExit     ExitFn
}

func (f *ForkLauncher) Launch(ctx context.Context, k kinds.Kind, payload Payload, deadEndReason string, files ...*os.File) (Launched, error) {
	slot := -1
	if !k.IsSingleton() {
		slot = f.SlotAlloc()
		if slot < 0 {
			return Launched{}, fmt.Errorf("launcher: no free slot for %s", k)
		}
	}
	token := newToken()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Launched{}, fmt.Errorf("launcher: marshal payload: %w", err)
	}

	args := []string{
		fmt.Sprintf("%s=%s", f.ChildArg, k.String()),
		fmt.Sprintf("--pgboss-slot=%d", slot),
		fmt.Sprintf("--pgboss-token=%d", token),
	}
	if deadEndReason != "" {
		args = append(args, "--pgboss-deadend="+deadEndReason)
	}

	cmd := exec.CommandContext(ctx, execPath(), args...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append(append([]*os.File{}, f.ExtraFiles...), files...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), "PGBOSS_CHILD_PAYLOAD="+string(payloadJSON))

	if err := cmd.Start(); err != nil {
		return Launched{}, fmt.Errorf("launcher: start %s: %w", k, err)
	}
	watchExit(cmd, f.OnExit)

	// A just-forked child may not yet be its own process-group leader when
	// a signal is delivered. The boss's signal delivery (signalBoth) keeps
	// the double-signal workaround (send to both the child pid and its
	// claimed group) for that race; on Linux, Setpgid above is synchronous
	// from the parent's point of view once Start returns, so the
	// double-signal is belt and suspenders here rather than strictly
	// required.
	f.Log.Info().Str("kind", k.String()).Int("pid", cmd.Process.Pid).Int("slot", slot).Bool("deadend", deadEndReason != "").Msg("launched child")

	return Launched{Pid: cmd.Process.Pid, Kind: k, Slot: slot, Token: token, DeadEnd: deadEndReason != ""}, nil
}

// SpawnLauncher implements literal spawn-and-reattach: the shared-segment
// key, configuration, and payload are serialized to a private file in
// DataDir/pgboss_spawn.<n>.json, and the child is started with the path
// passed as an argument. Used on platforms or configurations where
// ForkLauncher's fd-inheritance path is unavailable (e.g. the child needs
// to run from a different working directory or user).
type SpawnLauncher struct {
	Log         zerolog.Logger
	DataDir     string
	SegmentKey  int
	ConfigJSON  []byte // serialized key configuration values
	SlotAlloc   func() int
	Recomputers map[string]Recompute // per-subsystem vtable, keyed by name
	OnExit      ExitFn
	seq         int64
}

type spawnFile struct {
	SegmentKey int             `json:"segment_key"`
	Config     json.RawMessage `json:"config"`
	Kind       string          `json:"kind"`
	Slot       int             `json:"slot"`
	Token      uint32          `json:"token"`
	Payload    Payload         `json:"payload"`
}

func (s *SpawnLauncher) Launch(ctx context.Context, k kinds.Kind, payload Payload, deadEndReason string, files ...*os.File) (Launched, error) {
	slot := -1
	if !k.IsSingleton() {
		slot = s.SlotAlloc()
		if slot < 0 {
			return Launched{}, fmt.Errorf("launcher: no free slot for %s", k)
		}
	}
	token := newToken()

	sf := spawnFile{
		SegmentKey: s.SegmentKey,
		Config:     s.ConfigJSON,
		Kind:       k.String(),
		Slot:       slot,
		Token:      token,
		Payload:    payload,
	}
	buf, err := json.Marshal(sf)
	if err != nil {
		return Launched{}, fmt.Errorf("launcher: marshal spawn file: %w", err)
	}

	n := atomic.AddInt64(&s.seq, 1)
	path := filepath.Join(s.DataDir, fmt.Sprintf("pgboss_spawn.%d.json", n))
	if err := os.WriteFile(path, buf, 0600); err != nil {
		return Launched{}, fmt.Errorf("launcher: write spawn file: %w", err)
	}

	args := []string{"spawn-child", "--pgboss-spawn-file=" + path}
	if deadEndReason != "" {
		args = append(args, "--pgboss-deadend="+deadEndReason)
	}
	cmd := exec.CommandContext(ctx, execPath(), args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return Launched{}, fmt.Errorf("launcher: start %s: %w", k, err)
	}
	watchExit(cmd, s.OnExit)

	s.Log.Info().Str("kind", k.String()).Int("pid", cmd.Process.Pid).Str("spawn_file", path).Msg("launched child (spawn-and-reattach)")
	return Launched{Pid: cmd.Process.Pid, Kind: k, Slot: slot, Token: token, DeadEnd: deadEndReason != ""}, nil
}

// LoadSpawnFile is called from the re-exec'd child process to recover its
// segment key, config, and payload, then runs every registered subsystem
// Recompute callback to rebuild local pointers into the reattached
// segment.
func LoadSpawnFile(path string, recomputers map[string]Recompute) (segKey int, cfg json.RawMessage, kind kinds.Kind, slot int, token uint32, payload Payload, err error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, 0, 0, 0, nil, fmt.Errorf("launcher: read spawn file: %w", err)
	}
	var sf spawnFile
	if err := json.Unmarshal(buf, &sf); err != nil {
		return 0, nil, 0, 0, 0, nil, fmt.Errorf("launcher: decode spawn file: %w", err)
	}
	for name, fn := range recomputers {
		if err := fn(sf.SegmentKey); err != nil {
			return 0, nil, 0, 0, 0, nil, fmt.Errorf("launcher: recompute %q: %w", name, err)
		}
	}
	k, ok := kindByName(sf.Kind)
	if !ok {
		return 0, nil, 0, 0, 0, nil, fmt.Errorf("launcher: unknown kind %q in spawn file", sf.Kind)
	}
	return sf.SegmentKey, sf.Config, k, sf.Slot, sf.Token, sf.Payload, nil
}

func kindByName(name string) (kinds.Kind, bool) {
	for _, k := range kinds.All() {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

func newToken() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("launcher: random token generation failed: " + err.Error())
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
