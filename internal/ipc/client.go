package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Client speaks the admin protocol to a live supervisor.
type Client struct {
	SocketPath string

	conn net.Conn
	w    *json.Encoder
	r    *json.Decoder
}

// Dial connects to the admin socket under dataDir.
func Dial(dataDir string) (*Client, error) {
	return DialPath(filepath.Join(dataDir, AdminSocketName))
}

// DialPath connects to an admin socket by explicit path.
func DialPath(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return &Client{
		SocketPath: socketPath,
		conn:       conn,
		w:          json.NewEncoder(conn),
		r:          json.NewDecoder(conn),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(req Request, res any) error {
	req.ID = uuid.NewString()
	c.conn.SetDeadline(time.Now().Add(1 * time.Second))
	if err := c.w.Encode(req); err != nil {
		return fmt.Errorf("%s: %w", req.Type, err)
	}
	var raw json.RawMessage
	if err := c.r.Decode(&raw); err != nil {
		return fmt.Errorf("%s: %w", req.Type, err)
	}
	var er ErrResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return fmt.Errorf("%s: %s", req.Type, er.Error)
	}
	return json.Unmarshal(raw, res)
}

// Status fetches a status snapshot.
func (c *Client) Status() (*StatusResponse, error) {
	res := new(StatusResponse)
	if err := c.roundTrip(Request{Type: "status"}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Reload asks the supervisor to reload configuration, equivalent to
// sending it SIGHUP.
func (c *Client) Reload() error {
	return c.roundTrip(Request{Type: "reload"}, new(OKResponse))
}

// Stop requests a shutdown of the given mode ("smart", "fast" or
// "immediate").
func (c *Client) Stop(mode string) error {
	return c.roundTrip(Request{Type: "stop", Mode: mode}, new(OKResponse))
}

// FindSupervisor locates a live supervisor by probing dataDir's admin
// socket, verifying the socket is a socket owned by this uid before
// dialing. Used by the check CLI mode to report a supervisor that is
// already running.
func FindSupervisor(dataDir string) (*Client, error) {
	path := filepath.Join(dataDir, AdminSocketName)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ipc: no supervisor socket in %s: %w", dataDir, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return nil, fmt.Errorf("ipc: %s is not a socket", path)
	}
	if fi.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("ipc: %s has loose permissions %s", path, fi.Mode().Perm())
	}
	return DialPath(path)
}
