// ABOUTME: JSON frame types for the gateway's duplex socket protocol.
// ABOUTME: Requests are correlated by id; responses may carry non-terminal statuses.

package wire

import "encoding/json"

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Request is a client-initiated frame correlated to exactly one terminal
// Response by ID.
type Request struct {
	Type   string `json:"type"`
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response answers a Request. OK reports handshake/method success; Payload
// carries the method result and Error the failure detail.
type Response struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Event is a server-pushed frame. Seq is best-effort ordering metadata from
// the gateway and may be absent.
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// ErrorInfo describes a request failure.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Frame is the envelope used to sniff the discriminator before decoding the
// concrete frame type.
type Frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// IsIntermediate reports whether a response payload carries a non-terminal
// status. The gateway's long-running agent method acknowledges acceptance
// before finishing separately; an intermediate response must not settle the
// pending request.
func IsIntermediate(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	switch probe.Status {
	case "accepted", "pending", "running":
		return true
	}
	return false
}

// ConnectParams is the handshake request sent in answer to the server's
// challenge event.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes,omitempty"`
	Auth        *AuthPayload `json:"auth,omitempty"`
	Challenge   string       `json:"challenge,omitempty"`
}

// ClientInfo identifies this process to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// AuthPayload carries the optional bearer token.
type AuthPayload struct {
	Token string `json:"token"`
}

// ChallengePayload is the body of the server-initiated challenge event that
// starts the handshake.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// Channel is one entry of the gateway's channel list, refreshed wholesale on
// every status poll.
type Channel struct {
	ID             string          `json:"id"`
	ChannelType    string          `json:"type"`
	Name           string          `json:"name"`
	Status         ChannelStatus   `json:"status"`
	ConnectedSince *int64          `json:"connectedSince,omitempty"`
	LastActivity   *int64          `json:"lastActivity,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// ChannelStatus is the gateway's view of a channel's connection state.
type ChannelStatus string

const (
	ChannelConnected    ChannelStatus = "connected"
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelPairing      ChannelStatus = "pairing"
	ChannelError        ChannelStatus = "error"
)

// ChannelEvent is a push notification about channel traffic or state. It is
// transient: dispatched to subscribers and never stored.
type ChannelEvent struct {
	ChannelID   string `json:"channelId"`
	ChannelType string `json:"channelType"`
	EventType   string `json:"eventType"`
	Content     string `json:"content,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Channel event types.
const (
	ChannelEventMessageReceived = "message_received"
	ChannelEventMessageSent     = "message_sent"
	ChannelEventConnected       = "connected"
	ChannelEventDisconnected    = "disconnected"
	ChannelEventPairing         = "pairing"
)
