package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agentworks/internal/channel"
	"agentworks/internal/cursor"
	"agentworks/internal/protocol"
	"agentworks/pkg/auth"
	"agentworks/pkg/logging"
	"agentworks/pkg/version"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the peer
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsTransport adapts a gorilla connection to the hub's Transport. The
// mutex serializes writes; the hub's fan-out, the heartbeat loop and the
// session goroutine all send through it.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// session is the per-connection read side.
type session struct {
	handlers     *SemaphoreHandlers
	conn         *websocket.Conn
	transport    *wsTransport
	connectionID string
	auth         auth.Context
	logger       logging.Logger
}

// HandleWebSocket upgrades the request and runs the connection until the
// peer goes away. Pre-seeded subscriptions from the query string are
// re-authorized one by one; denied ones are dropped without closing the
// connection.
func (h *SemaphoreHandlers) HandleWebSocket(c *gin.Context) {
	ac := h.authContextFromRequest(c)
	preSeeded := parsePreSeededSubscriptions(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	transport := &wsTransport{conn: conn}
	connectionID := h.hub.AddConnection(transport, ac)
	sess := &session{
		handlers:     h,
		conn:         conn,
		transport:    transport,
		connectionID: connectionID,
		auth:         ac,
		logger:       h.logger,
	}

	cfg := h.hub.Config()
	sess.send(protocol.Connected{
		Type:          protocol.TypeConnected,
		ConnectionID:  connectionID,
		ServerTime:    time.Now().UTC(),
		ServerVersion: version.Version,
		Capabilities: protocol.Capabilities{
			Backfill:       true,
			Acknowledgment: true,
			Compression:    false,
		},
		HeartbeatIntervalMs: cfg.HeartbeatInterval.Milliseconds(),
		Docs:                "frames: subscribe, unsubscribe, ping, backfill, reconnect, ack",
	})

	// Subscribe writes the replay frames itself, so they land on the
	// socket after the connected frame and cannot be interleaved with a
	// concurrent publish.
	for raw, token := range preSeeded {
		ch, ok := channel.Parse(raw)
		if !ok {
			h.logger.WithField("channel", raw).Debug("Dropping unparseable pre-seeded subscription")
			continue
		}
		if decision := h.hub.CanSubscribe(ac, ch); !decision.Allowed {
			h.logger.WithFields(logging.Fields{
				"channel": raw,
				"reason":  decision.Reason,
			}).Debug("Dropping denied pre-seeded subscription")
			continue
		}
		h.hub.Subscribe(connectionID, ch, token)
	}

	sess.readLoop()
}

// parsePreSeededSubscriptions reads the initial subscription set from
// the upgrade request. "subscriptions" is a URL-encoded JSON object of
// channel to cursor; "channels" is a comma list shorthand that starts
// each channel from the beginning of its retained window.
func parsePreSeededSubscriptions(c *gin.Context) map[string]string {
	out := make(map[string]string)
	if raw := c.Query("subscriptions"); raw != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			for k, v := range m {
				out[k] = v
			}
		}
	}
	if raw := c.Query("channels"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, exists := out[name]; !exists {
				out[name] = cursor.Zero
			}
		}
	}
	return out
}

func (s *session) readLoop() {
	defer func() {
		s.handlers.hub.RemoveConnection(s.connectionID)
		s.conn.Close()
	}()

	timeout := s.handlers.hub.Config().ConnectionTimeout
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).WithField("connection_id", s.connectionID).Debug("WebSocket read error")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		s.handlers.hub.UpdateHeartbeat(s.connectionID)
		s.dispatch(data)
	}
}

// dispatch routes one inbound frame. A panic in any handler is reported
// to the client and the connection stays open.
func (s *session) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logging.Fields{
				"connection_id": s.connectionID,
				"panic":         r,
			}).Error("Recovered from frame handler panic")
			s.sendError(protocol.CodeInternalError, "internal error", "")
		}
	}()

	frame := protocol.ParseClientFrame(data)
	if frame == nil {
		s.sendError(protocol.CodeInvalidFormat, "malformed frame", "")
		return
	}

	switch frame.Type {
	case protocol.TypeSubscribe:
		s.handleSubscribe(frame)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(frame)
	case protocol.TypePing:
		s.handlePing(frame)
	case protocol.TypeBackfill:
		s.handleBackfill(frame)
	case protocol.TypeReconnect:
		// The hub writes the ack frame itself so the missed messages
		// inside it stay ordered against concurrent publishes.
		s.handlers.hub.HandleReconnect(s.connectionID, frame.Cursors)
	case protocol.TypeAck:
		acked := s.handlers.hub.HandleAck(s.connectionID, frame.MessageIDs)
		s.send(protocol.AckResponse{Type: protocol.TypeAckResponse, Acked: acked})
	}
}

func (s *session) handleSubscribe(frame *protocol.ClientFrame) {
	ch, ok := channel.Parse(frame.Channel)
	if !ok {
		s.sendError(protocol.CodeInvalidChannel, "unknown channel", frame.Channel)
		return
	}
	if decision := s.handlers.hub.CanSubscribe(s.auth, ch); !decision.Allowed {
		s.sendError(protocol.CodeSubscriptionDenied, decision.Reason, frame.Channel)
		return
	}

	// The hub writes the replayed message frames before returning; only
	// the confirmation is sent from here.
	result, ok := s.handlers.hub.Subscribe(s.connectionID, ch, frame.Cursor)
	if !ok {
		s.sendError(protocol.CodeInternalError, "connection not registered", frame.Channel)
		return
	}
	s.send(protocol.Subscribed{Type: protocol.TypeSubscribed, Channel: frame.Channel, Cursor: result.Cursor})
}

func (s *session) handleUnsubscribe(frame *protocol.ClientFrame) {
	ch, ok := channel.Parse(frame.Channel)
	if !ok {
		s.sendError(protocol.CodeInvalidChannel, "unknown channel", frame.Channel)
		return
	}
	s.handlers.hub.Unsubscribe(s.connectionID, ch)
	s.send(protocol.Unsubscribed{Type: protocol.TypeUnsubscribed, Channel: frame.Channel})
}

func (s *session) handlePing(frame *protocol.ClientFrame) {
	cursors, _ := s.handlers.hub.Subscriptions(s.connectionID)
	channels := make([]string, 0, len(cursors))
	for name := range cursors {
		channels = append(channels, name)
	}
	sort.Strings(channels)

	s.send(protocol.Pong{
		Type:          protocol.TypePong,
		Timestamp:     frame.Timestamp,
		ServerTime:    time.Now().UTC(),
		Subscriptions: channels,
		Cursors:       cursors,
	})
}

func (s *session) handleBackfill(frame *protocol.ClientFrame) {
	ch, ok := channel.Parse(frame.Channel)
	if !ok {
		s.sendError(protocol.CodeInvalidChannel, "unknown channel", frame.Channel)
		return
	}
	if decision := s.handlers.hub.CanSubscribe(s.auth, ch); !decision.Allowed {
		s.sendError(protocol.CodeSubscriptionDenied, decision.Reason, frame.Channel)
		return
	}

	result := s.handlers.hub.Replay(ch, frame.FromCursor, frame.Limit)
	s.send(protocol.BackfillResponse{
		Type:       protocol.TypeBackfillResponse,
		Channel:    frame.Channel,
		Messages:   result.Messages,
		HasMore:    result.HasMore,
		Truncated:  result.Truncated,
		LastCursor: result.LastCursor,
	})
}

func (s *session) send(frame interface{}) {
	data, err := protocol.Encode(frame)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode server frame")
		return
	}
	if err := s.transport.Send(data); err != nil {
		s.logger.WithError(err).WithField("connection_id", s.connectionID).Debug("Send failed")
	}
}

func (s *session) sendError(code, message, channelName string) {
	s.send(protocol.NewError(code, message, channelName))
}
