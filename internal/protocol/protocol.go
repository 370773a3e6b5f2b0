// Package protocol defines the JSON envelopes exchanged over the
// realtime socket and the codec between raw frames and typed messages.
// Parsing is total: any malformed frame decodes to nil rather than an
// error, and the caller answers with an INVALID_FORMAT error frame.
package protocol

import (
	"encoding/json"
	"time"

	"agentworks/pkg/models"
)

// Client frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeBackfill    = "backfill"
	TypeReconnect   = "reconnect"
	TypeAck         = "ack"
)

// Server frame types.
const (
	TypeConnected        = "connected"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeMessage          = "message"
	TypeBackfillResponse = "backfill_response"
	TypePong             = "pong"
	TypeReconnectAck     = "reconnect_ack"
	TypeAckResponse      = "ack_response"
	TypeHeartbeat        = "heartbeat"
	TypeError            = "error"
)

// Stable error codes carried by error frames.
const (
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeInvalidChannel     = "INVALID_CHANNEL"
	CodeSubscriptionDenied = "WS_SUBSCRIPTION_DENIED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// ClientFrame is the decoded form of an inbound frame. Exactly the
// fields relevant to Type are populated.
type ClientFrame struct {
	Type       string            `json:"type"`
	Channel    string            `json:"channel,omitempty"`
	Cursor     string            `json:"cursor,omitempty"`
	FromCursor string            `json:"fromCursor,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	Cursors    map[string]string `json:"cursors,omitempty"`
	MessageIDs []string          `json:"messageIds,omitempty"`
}

// ParseClientFrame decodes an inbound frame. It returns nil for anything
// that is not a JSON object with a known type string.
func ParseClientFrame(data []byte) *ClientFrame {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	switch frame.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeBackfill:
		if frame.Channel == "" {
			return nil
		}
	case TypePing:
	case TypeReconnect:
		if frame.Cursors == nil {
			return nil
		}
	case TypeAck:
		if frame.MessageIDs == nil {
			return nil
		}
	default:
		return nil
	}
	return &frame
}

// Capabilities advertises what this server supports in the connected
// handshake.
type Capabilities struct {
	Backfill       bool `json:"backfill"`
	Acknowledgment bool `json:"acknowledgment"`
	Compression    bool `json:"compression"`
}

// Connected is the first frame sent on every connection.
type Connected struct {
	Type                string       `json:"type"`
	ConnectionID        string       `json:"connectionId"`
	ServerTime          time.Time    `json:"serverTime"`
	ServerVersion       string       `json:"serverVersion"`
	Capabilities        Capabilities `json:"capabilities"`
	HeartbeatIntervalMs int64        `json:"heartbeatIntervalMs"`
	Docs                string       `json:"docs,omitempty"`
}

// Subscribed confirms a subscription and reports its cursor position.
type Subscribed struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Cursor  string `json:"cursor,omitempty"`
}

// Unsubscribed confirms an unsubscribe.
type Unsubscribed struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Message wraps a published message for delivery to one subscriber.
// ReplayCount is zero on first delivery and counts redeliveries of an
// unacknowledged message.
type Message struct {
	Type        string            `json:"type"`
	Message     models.HubMessage `json:"message"`
	AckRequired bool              `json:"ackRequired,omitempty"`
	ReplayCount int               `json:"replayCount,omitempty"`
}

// BackfillResponse answers a backfill request.
type BackfillResponse struct {
	Type       string              `json:"type"`
	Channel    string              `json:"channel"`
	Messages   []models.HubMessage `json:"messages"`
	HasMore    bool                `json:"hasMore"`
	Truncated  bool                `json:"truncated,omitempty"`
	LastCursor string              `json:"lastCursor,omitempty"`
}

// Pong answers a ping and doubles as a subscription snapshot.
type Pong struct {
	Type          string            `json:"type"`
	Timestamp     int64             `json:"timestamp"`
	ServerTime    time.Time         `json:"serverTime"`
	Subscriptions []string          `json:"subscriptions"`
	Cursors       map[string]string `json:"cursors"`
}

// ChannelResult reports the per-channel outcome of a reconnect.
// AckRequired tells the client that the missed messages must be
// acknowledged like any live delivery on that channel.
type ChannelResult struct {
	Channel     string              `json:"channel"`
	Resumed     bool                `json:"resumed"`
	Reason      string              `json:"reason,omitempty"`
	Cursor      string              `json:"cursor,omitempty"`
	AckRequired bool                `json:"ackRequired,omitempty"`
	Truncated   bool                `json:"truncated,omitempty"`
	Missed      []models.HubMessage `json:"missedMessages"`
}

// ReconnectAck answers a reconnect frame.
type ReconnectAck struct {
	Type     string          `json:"type"`
	Channels []ChannelResult `json:"channels"`
}

// AckResponse confirms how many pending messages an ack frame cleared.
type AckResponse struct {
	Type  string `json:"type"`
	Acked int    `json:"acked"`
}

// Heartbeat is the server-initiated liveness frame.
type Heartbeat struct {
	Type       string    `json:"type"`
	ServerTime time.Time `json:"serverTime"`
}

// Error reports a recoverable failure; the connection stays open.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

// NewError builds an error frame with the given stable code.
func NewError(code, message, channel string) Error {
	return Error{Type: TypeError, Code: code, Message: message, Channel: channel}
}

// Encode serializes any server frame. Frames are plain structs, so the
// only possible failure is an unmarshalable payload supplied by a
// producer; the caller decides whether that is fatal.
func Encode(frame interface{}) ([]byte, error) {
	return json.Marshal(frame)
}
