// Admin socket: a JSON request/response protocol over a unix stream
// socket in the data directory, serving operator tooling (the check CLI
// mode, tests, and anything that prefers a structured status over
// parsing the pidfile). Requests carry a uuid so log lines on both ends
// correlate.
package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AdminSocketName is the admin socket's filename inside the data
// directory.
const AdminSocketName = "pgboss.admin"

// Request is the admin protocol's single request shape.
type Request struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "status" | "reload" | "stop"

	// Type == "stop"
	Mode string `json:"mode,omitempty"` // "smart" | "fast" | "immediate"
}

// ErrResponse reports a failed request.
type ErrResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// StatusResponse is the reply to a "status" request.
type StatusResponse struct {
	ID           string    `json:"id"`
	Pid          int       `json:"pid"`
	State        string    `json:"state"`
	ConnsAllowed bool      `json:"conns_allowed"`
	LiveChildren int       `json:"live_children"`
	Start        time.Time `json:"start"`
}

// OKResponse acknowledges a reload or stop request; the action itself is
// asynchronous, handed to the event loop via the same pending bits an OS
// signal would set.
type OKResponse struct {
	ID string `json:"id"`
}

// AdminHooks is what the server needs from the boss: a status snapshot
// and the two request injectors, which route through the same severity
// arbitration as raw signals.
type AdminHooks struct {
	Status func() StatusResponse
	Reload func()
	Stop   func(mode string) error
}

// AdminServer accepts admin connections until Close.
type AdminServer struct {
	log   zerolog.Logger
	ln    *net.UnixListener
	path  string
	hooks AdminHooks
}

// ServeAdmin binds the admin socket under dataDir with owner-only
// permissions and serves requests on a background goroutine per
// connection.
func ServeAdmin(log zerolog.Logger, dataDir string, hooks AdminHooks) (*AdminServer, error) {
	path := filepath.Join(dataDir, AdminSocketName)
	os.Remove(path) // stale socket from an unclean previous exit
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve admin socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen admin socket: %w", err)
	}
	os.Chmod(path, 0700)
	s := &AdminServer{log: log, ln: ln, path: path, hooks: hooks}
	go s.acceptLoop()
	return s, nil
}

// Path returns the socket path, for clients started from tests.
func (s *AdminServer) Path() string { return s.path }

// Close stops accepting and unlinks the socket file.
func (s *AdminServer) Close() {
	s.ln.Close()
	os.Remove(s.path)
}

func (s *AdminServer) acceptLoop() {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *AdminServer) handle(conn *net.UnixConn) {
	defer conn.Close()
	r := json.NewDecoder(conn)
	w := json.NewEncoder(conn)
	for {
		var req Request
		if err := r.Decode(&req); err != nil {
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		log := s.log.With().Str("request_id", req.ID).Str("type", req.Type).Logger()
		var res any
		var err error
		switch req.Type {
		case "status":
			sr := s.hooks.Status()
			sr.ID = req.ID
			res = sr
		case "reload":
			s.hooks.Reload()
			res = OKResponse{ID: req.ID}
		case "stop":
			err = s.hooks.Stop(req.Mode)
			res = OKResponse{ID: req.ID}
		default:
			err = fmt.Errorf("unknown request type %q", req.Type)
		}
		if err != nil {
			log.Warn().Err(err).Msg("admin request failed")
			w.Encode(ErrResponse{ID: req.ID, Error: err.Error()})
			return
		}
		log.Debug().Msg("admin request served")
		if w.Encode(res) != nil {
			return
		}
	}
}
