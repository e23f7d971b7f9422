// Package bridge implements the bidirectional single-client command
// bridge: authenticated handshake, exclusive-client policy, request/
// response correlation over an asynchronous socket, per-request
// timeouts, and disconnect-driven cancellation of all in-flight work.
//
// The bridge is logically single-threaded with respect to its own state
// (peer pointer, authenticated flag, pending table): every mutation of
// that state happens under one mutex, per the concurrency model in the
// spec this implements. Each peer's frames are read on a dedicated reader
// goroutine that serializes its state mutations through that mutex;
// socket writes are serialized by a separate write mutex.
package bridge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/brennhill/agent-chrome-test/internal/allowlist"
	"github.com/brennhill/agent-chrome-test/internal/audit"
	"github.com/brennhill/agent-chrome-test/internal/bridgeerr"
	"github.com/brennhill/agent-chrome-test/internal/protocol"
)

// DefaultTimeout is used when a caller passes a non-positive timeout to
// SendCommand.
const DefaultTimeout = 30 * time.Second

// tokenBytes is the length of the generated auth token, per the spec's
// "fixed 32-byte random" token.
const tokenBytes = 32

type peerState int

const (
	peerConnected peerState = iota
	peerAuthenticated
)

// pendingRequest is a single in-flight dispatch, exactly one of whose
// terminal events (response, timeout, disconnect, shutdown) will fire.
type pendingRequest struct {
	resultCh chan json.RawMessage
	errCh    chan error
	timer    *time.Timer
	once     sync.Once
}

func (p *pendingRequest) resolve(data json.RawMessage) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.resultCh <- data
	})
}

func (p *pendingRequest) reject(err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.errCh <- err
	})
}

// Bridge is the socket server, handshake state machine, pending-request
// table, and dispatch API described by the bridge core component.
type Bridge struct {
	mu sync.Mutex // guards everything below; no fine-grained locks.

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	peer          *websocket.Conn
	peerState     peerState
	authenticated bool
	pending       map[string]*pendingRequest
	shuttingDown  bool

	token     []byte
	tokenHex  string
	allowlist *allowlist.Allowlist
	auditLog  *audit.Log
	log       *logrus.Logger

	onConnect    func()
	onDisconnect func()

	writeMu sync.Mutex // serializes writes to the single peer connection
}

// New constructs a Bridge with a freshly generated token. port is bound
// only on Start.
func New(al *allowlist.Allowlist, auditLog *audit.Log, log *logrus.Logger) (*Bridge, error) {
	tok := make([]byte, tokenBytes)
	if _, err := rand.Read(tok); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	b := &Bridge{
		pending:   make(map[string]*pendingRequest),
		token:     tok,
		tokenHex:  hex.EncodeToString(tok),
		allowlist: al,
		auditLog:  auditLog,
		log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	return b, nil
}

// Token returns the generated secret, hex-encoded.
func (b *Bridge) Token() string { return b.tokenHex }

// Connected reports true only when an authenticated peer is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}

// OnConnect registers a callback invoked on successful authentication.
func (b *Bridge) OnConnect(cb func()) { b.onConnect = cb }

// OnDisconnect registers a callback invoked on loss of the authenticated peer.
func (b *Bridge) OnDisconnect(cb func()) { b.onDisconnect = cb }

// Start binds a TCP listener on loopback only at port and begins
// accepting connections. Fails if the port is in use or if asked to
// bind anything but loopback.
func (b *Bridge) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind loopback: %w", err)
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleSocket)
	b.server = &http.Server{Handler: mux}

	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.WithError(err).Error("bridge: listener serve error")
		}
	}()
	return nil
}

// Stop rejects every pending request with ErrShuttingDown, closes the
// peer, and closes the listener. Idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return
	}
	b.shuttingDown = true
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	peer := b.peer
	b.mu.Unlock()

	for _, p := range pending {
		p.reject(bridgeerr.ErrShuttingDown)
	}
	if peer != nil {
		_ = peer.Close()
	}
	if b.server != nil {
		_ = b.server.Close()
	}
}

// handleSocket upgrades the HTTP request to a WebSocket connection and
// enforces the exclusive-client policy: a second connection while one
// peer is already attached is refused with CloseRefused.
func (b *Bridge) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	if b.peer != nil {
		b.mu.Unlock()
		closeMsg := websocket.FormatCloseMessage(protocol.CloseRefused, protocol.CloseRefusedReason)
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	b.peer = conn
	b.peerState = peerConnected
	b.authenticated = false
	b.mu.Unlock()

	b.readLoop(conn)
}

// readLoop is the dedicated reader goroutine for the current peer. All
// state mutations it makes are serialized through b.mu.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer b.handleDisconnect(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.handleFrame(conn, data)
	}
}

// handleFrame dispatches one inbound frame according to the current
// handshake state. Malformed frames and frames not valid for the
// current state are silently ignored, per the protocol-error policy.
func (b *Bridge) handleFrame(conn *websocket.Conn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	b.mu.Lock()
	state := b.peerState
	samePeer := b.peer == conn
	b.mu.Unlock()
	if !samePeer {
		return
	}

	switch state {
	case peerConnected:
		if env.Type != protocol.FrameAuth {
			return
		}
		var auth protocol.AuthFrame
		if err := json.Unmarshal(data, &auth); err != nil {
			return
		}
		b.handleAuth(conn, auth)

	case peerAuthenticated:
		switch env.Type {
		case protocol.FrameCommand:
			var cmd protocol.CommandFrame
			if err := json.Unmarshal(data, &cmd); err != nil {
				return
			}
			if cmd.Command == protocol.CmdPing {
				b.replyPong(conn, cmd.ID)
			}
		case protocol.FrameResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(data, &resp); err != nil {
				return
			}
			b.handleResponse(resp)
		}
	}
}

// handleAuth runs the constant-time token check and transitions to
// AUTHENTICATED on success.
func (b *Bridge) handleAuth(conn *websocket.Conn, auth protocol.AuthFrame) {
	match := subtle.ConstantTimeCompare([]byte(auth.Token), []byte(b.tokenHex)) == 1

	if !match {
		b.auditLog.Write("auth_failed", map[string]any{"extensionId": auth.ExtensionID})
		b.writeFrame(conn, protocol.AuthResultFrame{
			Type:    protocol.FrameAuthResult,
			Success: false,
			Error:   "Invalid auth token",
		})
		return
	}

	b.mu.Lock()
	b.peerState = peerAuthenticated
	b.authenticated = true
	b.mu.Unlock()

	b.writeFrame(conn, protocol.AuthResultFrame{
		Type:           protocol.FrameAuthResult,
		Success:        true,
		AllowedOrigins: b.allowlist.Snapshot(),
	})

	if b.onConnect != nil {
		b.onConnect()
	}
}

func (b *Bridge) replyPong(conn *websocket.Conn, id string) {
	b.writeFrame(conn, protocol.ResponseFrame{
		Type:    protocol.FrameResponse,
		ID:      id,
		Success: true,
		Data:    json.RawMessage(`{"pong":true}`),
	})
}

// handleResponse correlates an inbound response frame to its pending
// request by ID. A response with no matching entry is silently dropped:
// the dispatch already resolved via timeout, disconnect, or shutdown.
func (b *Bridge) handleResponse(resp protocol.ResponseFrame) {
	b.mu.Lock()
	p, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if resp.Success {
		p.resolve(resp.Data)
	} else {
		p.reject(bridgeerr.NewPeerError(resp.Error))
	}
}

// handleDisconnect clears peer state and rejects every pending request
// with ErrPeerDisconnected, firing onDisconnect exactly once.
func (b *Bridge) handleDisconnect(conn *websocket.Conn) {
	b.mu.Lock()
	if b.peer != conn {
		// Superseded by a later peer (shouldn't happen given exclusive
		// policy, but guards against a stale goroutine).
		b.mu.Unlock()
		return
	}
	wasAuthenticated := b.authenticated
	b.peer = nil
	b.authenticated = false
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, p := range pending {
		p.reject(bridgeerr.ErrPeerDisconnected)
	}

	if wasAuthenticated && b.onDisconnect != nil {
		b.onDisconnect()
	}
}

func (b *Bridge) writeFrame(conn *websocket.Conn, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// SendCommand dispatches a command to the authenticated peer and blocks
// until one of {matching response, timeout, peer disconnect, shutdown}.
// navigate commands are checked against the origin allowlist locally,
// before ever touching the socket.
func (b *Bridge) SendCommand(ctx context.Context, name string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if name == protocol.CmdNavigate {
		if err := b.checkNavigateAllowed(params); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return nil, bridgeerr.ErrShuttingDown
	}
	if !b.authenticated || b.peer == nil {
		b.mu.Unlock()
		return nil, bridgeerr.ErrNotConnected
	}
	conn := b.peer
	id := uuid.NewString()

	p := &pendingRequest{
		resultCh: make(chan json.RawMessage, 1),
		errCh:    make(chan error, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		_, stillPending := b.pending[id]
		if stillPending {
			delete(b.pending, id)
		}
		b.mu.Unlock()
		if stillPending {
			p.reject(fmt.Errorf("%w: %s did not respond within %s", bridgeerr.ErrTimeout, name, timeout))
		}
	})
	b.pending[id] = p
	b.mu.Unlock()

	b.auditLog.Write(name, paramsToMap(params))

	b.writeFrame(conn, protocol.CommandFrame{
		Type:    protocol.FrameCommand,
		ID:      id,
		Command: name,
		Params:  params,
	})

	select {
	case data := <-p.resultCh:
		return data, nil
	case err := <-p.errCh:
		return nil, err
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		p.timer.Stop()
		return nil, ctx.Err()
	}
}

func (b *Bridge) checkNavigateAllowed(params json.RawMessage) error {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Errorf("%w: invalid navigate params", bridgeerr.ErrInvalidInput)
	}
	if !b.allowlist.IsAllowed(args.URL) {
		return fmt.Errorf("%w: %s", bridgeerr.ErrNotAllowed, args.URL)
	}
	return nil
}

func paramsToMap(params json.RawMessage) map[string]any {
	if len(params) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil {
		return map[string]any{"raw": string(params)}
	}
	return m
}
