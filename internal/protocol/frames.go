// Package protocol defines the JSON wire frames exchanged between the
// bridge and its single extension peer over the localhost socket, per
// the frame table in the bridge's data model.
package protocol

import "encoding/json"

// FrameType discriminates the frames on the wire.
type FrameType string

const (
	FrameAuth       FrameType = "auth"
	FrameAuthResult FrameType = "auth_result"
	FrameCommand    FrameType = "command"
	FrameResponse   FrameType = "response"
)

// Envelope is the minimal shape every frame shares: enough to dispatch
// on Type before unmarshaling the rest.
type Envelope struct {
	Type FrameType `json:"type"`
}

// AuthFrame is the first frame a peer must send after connecting.
type AuthFrame struct {
	Type        FrameType `json:"type"`
	Token       string    `json:"token"`
	ExtensionID string    `json:"extensionId,omitempty"`
}

// AuthResultFrame is the bridge's reply to AuthFrame.
type AuthResultFrame struct {
	Type           FrameType `json:"type"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	AllowedOrigins []string  `json:"allowedOrigins,omitempty"`
}

// CommandFrame carries a dispatched command, in either direction (the
// bridge sends most commands; the peer may send a "ping" keepalive).
type CommandFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
	TabID   int             `json:"tabId,omitempty"`
}

// ResponseFrame correlates to a CommandFrame by ID.
type ResponseFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Commands forwarded to the peer without interpretation. "navigate" is
// the one exception: it is additionally checked against the origin
// allowlist before the frame is ever written to the socket.
const (
	CmdPing                = "ping"
	CmdNavigate            = "navigate"
	CmdScreenshot          = "screenshot"
	CmdEvaluate            = "evaluate"
	CmdURL                 = "url"
	CmdTitle               = "title"
	CmdNetworkCaptureStart = "network_capture_start"
	CmdNetworkCaptureStop  = "network_capture_stop"
	CmdClick               = "click"
	CmdType                = "type"
	CmdSelect              = "select"
	CmdHover               = "hover"
	CmdScroll              = "scroll"
	CmdKey                 = "key"
	CmdWait                = "wait"
	CmdQuery               = "query"
	CmdQueryAll            = "query_all"
	CmdText                = "text"
	CmdHTML                = "html"
)

// CloseRefused is the WebSocket close code reserved for a secondary
// connection refused because a peer is already attached.
const CloseRefused = 4001

// CloseRefusedReason is the close reason text paired with CloseRefused.
const CloseRefusedReason = "another client is already connected"
