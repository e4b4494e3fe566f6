// Package socketlife owns the lifetime of the listening sockets and their
// on-disk companions: binding TCP and Unix-domain listeners before
// the event loop begins, touching socket lockfiles so /tmp cleaners leave
// them alone, watching the pidfile for external tampering, and tearing
// everything down in the one order that leaves no half-removed state
// behind.
package socketlife

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// MaxListeners is the fixed ceiling on configured listening sockets.
const MaxListeners = 64

// Listeners is the bound socket set plus the unix socket paths that must
// be unlinked at exit.
type Listeners struct {
	log       zerolog.Logger
	tcp       []*net.TCPListener
	unix      []*net.UnixListener
	unixPaths []string
	lockPaths []string
}

// Bind opens every configured TCP (IPv4 or IPv6, chosen by the address
// literal) and Unix-domain listener. Failure to bind any socket is a
// resource-acquisition error; the caller exits with status 1.
func Bind(log zerolog.Logger, tcpAddrs, unixPaths []string) (*Listeners, error) {
	if len(tcpAddrs)+len(unixPaths) > MaxListeners {
		return nil, fmt.Errorf("socketlife: %d listeners exceed the maximum of %d", len(tcpAddrs)+len(unixPaths), MaxListeners)
	}
	ls := &Listeners{log: log}
	for _, addr := range tcpAddrs {
		ta, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			ls.Close()
			return nil, fmt.Errorf("socketlife: resolve %s: %w", addr, err)
		}
		l, err := net.ListenTCP("tcp", ta)
		if err != nil {
			ls.Close()
			return nil, fmt.Errorf("socketlife: listen %s: %w", addr, err)
		}
		ls.tcp = append(ls.tcp, l)
		log.Info().Str("addr", l.Addr().String()).Msg("listening (tcp)")
	}
	for _, path := range unixPaths {
		ua, err := net.ResolveUnixAddr("unix", path)
		if err != nil {
			ls.Close()
			return nil, fmt.Errorf("socketlife: resolve %s: %w", path, err)
		}
		l, err := net.ListenUnix("unix", ua)
		if err != nil {
			ls.Close()
			return nil, fmt.Errorf("socketlife: listen %s: %w", path, err)
		}
		os.Chmod(path, 0777)
		lock := path + ".lock"
		if err := os.WriteFile(lock, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600); err != nil {
			l.Close()
			ls.Close()
			return nil, fmt.Errorf("socketlife: write %s: %w", lock, err)
		}
		ls.unix = append(ls.unix, l)
		ls.unixPaths = append(ls.unixPaths, path)
		ls.lockPaths = append(ls.lockPaths, lock)
		log.Info().Str("path", path).Msg("listening (unix)")
	}
	return ls, nil
}

// All returns every listener as a net.Listener slice, for the accept
// pumps in the event loop.
func (ls *Listeners) All() []net.Listener {
	out := make([]net.Listener, 0, len(ls.tcp)+len(ls.unix))
	for _, l := range ls.tcp {
		out = append(out, l)
	}
	for _, l := range ls.unix {
		out = append(out, l)
	}
	return out
}

// Touch updates the mtime of every unix socket file and its lockfile so
// tmpwatch-style cleaners never reclaim them. The event loop calls this
// every 58 minutes.
func (ls *Listeners) Touch(now time.Time) {
	for _, p := range append(append([]string{}, ls.unixPaths...), ls.lockPaths...) {
		if err := os.Chtimes(p, now, now); err != nil {
			ls.log.Warn().Str("path", p).Err(err).Msg("touch socket file")
		}
	}
}

// Close shuts every listener. Unix socket files are unlinked by the
// listener close; lockfiles are removed explicitly.
func (ls *Listeners) Close() {
	for _, l := range ls.tcp {
		l.Close()
	}
	for _, l := range ls.unix {
		l.Close()
	}
	for _, p := range ls.unixPaths {
		os.Remove(p)
	}
	for _, p := range ls.lockPaths {
		os.Remove(p)
	}
	ls.tcp, ls.unix = nil, nil
}

// Cleanup is the ordered on-exit callback stack: callbacks run in the
// order they were pushed, so the boss registers close-listeners, then
// remove-socket-files, then unlink-pidfile, and a successor supervisor can
// never observe sockets gone but the pidfile still claiming the data
// directory.
type Cleanup struct {
	fns []func()
}

// Push appends fn to the stack.
func (c *Cleanup) Push(fn func()) { c.fns = append(c.fns, fn) }

// Run executes every callback once, in push order, then empties the stack.
func (c *Cleanup) Run() {
	for _, fn := range c.fns {
		fn()
	}
	c.fns = nil
}

// WatchPidfile starts an fsnotify watch on the pidfile's directory and
// reports remove/rename/write events affecting the file on the returned
// channel. This is only a fast path: the event loop's once-a-minute
// Recheck still runs unconditionally, so the bounded-time tampering
// guarantee holds even if the OS drops the watch. The watch is optional;
// on any setup error a nil channel is returned and only the poll remains.
func WatchPidfile(log zerolog.Logger, path string) (<-chan struct{}, func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("pidfile watch unavailable, polling only")
		return nil, func() {}
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		log.Warn().Err(err).Msg("pidfile watch unavailable, polling only")
		w.Close()
		return nil, func() {}
	}
	ch := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Write|fsnotify.Chmod) != 0 {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("pidfile watch error")
			}
		}
	}()
	return ch, func() { w.Close() }
}
