// Package peerclient is a reference implementation of the extension's
// peer contract (§6): connect, authenticate, execute commands, reconnect
// with bounded exponential backoff. It exists to drive the bridge
// end-to-end in tests and to document the contract a real browser
// extension must honor.
//
// The backoff policy is adapted from the teacher's daemon-respawn logic
// in cmd/dev-console/bridge.go (respawnIfNeeded / waitForServer): start
// at 1s, double, cap at 30s, bounded attempt count — there applied to
// relaunching a subprocess, here applied to reconnecting a socket.
package peerclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brennhill/agent-chrome-test/internal/protocol"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	maxAttempts    = 50
)

// CommandHandler executes one command and returns its result data, or an
// error whose message is propagated back to the bridge as response.error.
type CommandHandler func(command string, params json.RawMessage) (json.RawMessage, error)

// Client is a minimal extension-side peer: it dials the bridge's
// WebSocket endpoint, authenticates, and answers commands with Handler.
type Client struct {
	URL         string
	Token       string
	ExtensionID string
	Handler     CommandHandler

	mu              sync.Mutex
	conn            *websocket.Conn
	attempts        int
	allowedOrigins  []string
	stopped         bool
}

// New constructs a Client targeting the bridge at url with the given
// auth token and command handler.
func New(url, token, extensionID string, handler CommandHandler) *Client {
	return &Client{URL: url, Token: token, ExtensionID: extensionID, Handler: handler}
}

// Connect dials and authenticates once, without reconnect handling.
// Returns the auth_result's AllowedOrigins on success.
func (c *Client) Connect() ([]string, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.URL, nil)
	if err != nil {
		return nil, err
	}

	authFrame := protocol.AuthFrame{
		Type:        protocol.FrameAuth,
		Token:       c.Token,
		ExtensionID: c.ExtensionID,
	}
	data, _ := json.Marshal(authFrame)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_, resp, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	var result protocol.AuthResultFrame
	if err := json.Unmarshal(resp, &result); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !result.Success {
		_ = conn.Close()
		return nil, fmt.Errorf("auth failed: %s", result.Error)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.allowedOrigins = result.AllowedOrigins
	c.mu.Unlock()

	return result.AllowedOrigins, nil
}

// AllowedOrigins returns the origin set most recently received at auth.
func (c *Client) AllowedOrigins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowedOrigins
}

// RunWithReconnect connects, serves incoming commands with Handler, and
// on disconnect reconnects with exponential backoff (1s, doubling,
// capped at 30s) up to maxAttempts. Attempts reset to zero on a
// successful auth_result. Returns when Stop is called or the attempt
// budget is exhausted.
func (c *Client) RunWithReconnect() error {
	backoff := initialBackoff
	for {
		c.mu.Lock()
		stopped := c.stopped
		attempts := c.attempts
		connected := c.conn != nil
		c.mu.Unlock()
		if stopped {
			return nil
		}
		if connected {
			// Already authenticated (e.g. by an earlier Connect): serve it.
			backoff = initialBackoff
			c.serve()
			continue
		}
		if attempts >= maxAttempts {
			return fmt.Errorf("exceeded %d reconnect attempts", maxAttempts)
		}

		if _, err := c.Connect(); err != nil {
			c.mu.Lock()
			c.attempts++
			c.mu.Unlock()
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		c.serve() // blocks until the connection drops
	}
}

// serve reads command frames and replies with the Handler's result until
// the connection closes. Frames other than commands (such as the bridge's
// response to a Ping) are ignored.
func (c *Client) serve() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type != protocol.FrameCommand {
			continue
		}
		var cmd protocol.CommandFrame
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		c.handleCommand(conn, cmd)
	}
}

func (c *Client) handleCommand(conn *websocket.Conn, cmd protocol.CommandFrame) {
	data, err := c.Handler(cmd.Command, cmd.Params)
	resp := protocol.ResponseFrame{Type: protocol.FrameResponse, ID: cmd.ID}
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
	} else {
		resp.Success = true
		resp.Data = data
	}
	out, _ := json.Marshal(resp)
	_ = conn.WriteMessage(websocket.TextMessage, out)
}

// Ping sends a peer-initiated keepalive command frame.
func (c *Client) Ping(id string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	frame := protocol.CommandFrame{Type: protocol.FrameCommand, ID: id, Command: protocol.CmdPing}
	data, _ := json.Marshal(frame)
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Stop ends RunWithReconnect's loop and closes the active connection.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
