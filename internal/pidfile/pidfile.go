// Package pidfile manages the data-directory lockfile: an eight-line
// text file identifying the live supervisor, created under a strict
// permission mask, rechecked periodically by the event loop, and unlinked
// as the last step of supervisor exit.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Status is the lockfile's eighth line, the externally visible lifecycle
// word.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusStopping Status = "stopping"
)

var (
	// ErrExists is returned when a lockfile for the data directory is
	// already present and locked by a live supervisor.
	ErrExists = errors.New("pidfile: data directory already locked")

	// ErrTampered is returned by Recheck when the lockfile is missing or
	// its contents no longer identify this supervisor.
	ErrTampered = errors.New("pidfile: lockfile missing or altered")
)

// FileName is the lockfile's name inside the data directory.
const FileName = "pgboss.pid"

// Info is the eight-line pidfile content, in line order.
type Info struct {
	Pid        int
	DataDir    string
	StartTime  int64 // epoch seconds
	Port       int
	SocketDir  string // may be empty
	ListenAddr string // may be empty
	SegmentKey int
	Status     Status
}

// File is a live, locked pidfile.
type File struct {
	path string
	info Info
	f    *os.File // held open for the flock
}

// Create writes the full eight-line pidfile under dataDir with mode 0600,
// holding an exclusive flock for the supervisor's lifetime. The whole file
// is written exactly once here; later changes go through SetStatus.
func Create(dataDir string, info Info) (*File, error) {
	path := filepath.Join(dataDir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("pidfile: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("pidfile: lock %s: %w", path, err)
	}
	pf := &File{path: path, info: info, f: f}
	if err := pf.rewrite(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return pf, nil
}

// rewrite truncates and writes all eight lines in order. Called only
// from Create; every later change touches the status line alone.
func (pf *File) rewrite() error {
	if err := pf.f.Truncate(0); err != nil {
		return fmt.Errorf("pidfile: truncate: %w", err)
	}
	if _, err := pf.f.Seek(0, 0); err != nil {
		return fmt.Errorf("pidfile: seek: %w", err)
	}
	if _, err := pf.f.WriteString(pf.info.encode()); err != nil {
		return fmt.Errorf("pidfile: write: %w", err)
	}
	return pf.f.Sync()
}

// encodeHead is the first seven lines, fixed for the supervisor's
// lifetime; the status line follows at a stable offset.
func (i Info) encodeHead() string {
	lines := []string{
		strconv.Itoa(i.Pid),
		i.DataDir,
		strconv.FormatInt(i.StartTime, 10),
		strconv.Itoa(i.Port),
		i.SocketDir,
		i.ListenAddr,
		strconv.Itoa(i.SegmentKey),
	}
	return strings.Join(lines, "\n") + "\n"
}

func (i Info) encode() string {
	return i.encodeHead() + string(i.Status) + "\n"
}

func decode(data []byte) (Info, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 8 {
		return Info{}, fmt.Errorf("pidfile: want 8 lines, have %d", len(lines))
	}
	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return Info{}, fmt.Errorf("pidfile: bad pid line: %w", err)
	}
	start, err := strconv.ParseInt(lines[2], 10, 64)
	if err != nil {
		return Info{}, fmt.Errorf("pidfile: bad start-time line: %w", err)
	}
	port, err := strconv.Atoi(lines[3])
	if err != nil {
		return Info{}, fmt.Errorf("pidfile: bad port line: %w", err)
	}
	key, err := strconv.Atoi(lines[6])
	if err != nil {
		return Info{}, fmt.Errorf("pidfile: bad segment-key line: %w", err)
	}
	return Info{
		Pid:        pid,
		DataDir:    lines[1],
		StartTime:  start,
		Port:       port,
		SocketDir:  lines[4],
		ListenAddr: lines[5],
		SegmentKey: key,
		Status:     Status(lines[7]),
	}, nil
}

// SetStatus replaces the status line in place with a single positioned
// write at its fixed offset; the seven lines above it are never
// rewritten after Create. The trailing truncate matters only when the
// new status word is shorter than the old one.
func (pf *File) SetStatus(s Status) error {
	pf.info.Status = s
	off := int64(len(pf.info.encodeHead()))
	line := string(s) + "\n"
	if _, err := pf.f.WriteAt([]byte(line), off); err != nil {
		return fmt.Errorf("pidfile: write status: %w", err)
	}
	if err := pf.f.Truncate(off + int64(len(line))); err != nil {
		return fmt.Errorf("pidfile: truncate status: %w", err)
	}
	return pf.f.Sync()
}

// Info returns the current content.
func (pf *File) Info() Info { return pf.info }

// Path returns the lockfile path.
func (pf *File) Path() string { return pf.path }

// Recheck re-reads the lockfile from disk and confirms it still identifies
// this supervisor. The event loop calls this once per minute; ErrTampered
// means someone removed or replaced the file and the supervisor must
// self-signal an immediate shutdown.
func (pf *File) Recheck() error {
	data, err := os.ReadFile(pf.path)
	if err != nil {
		return ErrTampered
	}
	got, err := decode(data)
	if err != nil {
		return ErrTampered
	}
	if got.Pid != pf.info.Pid || got.DataDir != pf.info.DataDir || got.StartTime != pf.info.StartTime {
		return ErrTampered
	}
	return nil
}

// Remove unlinks the lockfile and releases the lock. It is the final
// cleanup step on supervisor exit, after sockets are closed and socket
// files removed, so a successor never observes a half-removed state.
func (pf *File) Remove() {
	os.Remove(pf.path)
	pf.f.Close()
}

// Read loads and decodes the pidfile under dataDir without locking it,
// for the check/describe CLI modes.
func Read(dataDir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, FileName))
	if err != nil {
		return Info{}, err
	}
	return decode(data)
}

// Now is the start-time source, a variable for tests.
var Now = func() int64 { return time.Now().Unix() }
