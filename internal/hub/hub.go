// Package hub is the in-memory core of the realtime gateway: it tracks
// connections and their subscriptions, owns the per-channel ring
// buffers, fans published messages out to subscribers and enforces
// at-least-once delivery on ack-required channels.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentworks/internal/authz"
	"agentworks/internal/buffer"
	"agentworks/internal/channel"
	"agentworks/internal/cursor"
	"agentworks/internal/metrics"
	"agentworks/internal/protocol"
	"agentworks/pkg/auth"
	"agentworks/pkg/logging"
	"agentworks/pkg/models"
)

// Transport is the write side of one client connection. Send failures
// are non-fatal; the heartbeat sweep decides when a connection is dead.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Config carries the hub's tunables.
type Config struct {
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	AckReplayWindow   time.Duration
	MaxAckReplays     int
	CursorHorizon     time.Duration
	Capacities        buffer.Capacities
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 90 * time.Second,
		AckReplayWindow:   30 * time.Second,
		MaxAckReplays:     3,
		CursorHorizon:     24 * time.Hour,
		Capacities:        buffer.DefaultCapacities(),
	}
}

type pendingAck struct {
	msg         models.HubMessage
	ackRequired bool
	sentAt      time.Time
	replayCount int
}

// Connection is the hub's view of one connected client.
type Connection struct {
	ID            string
	Auth          auth.Context
	transport     Transport
	subscriptions map[string]string
	pendingAcks   map[string]*pendingAck
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// SubscribeResult reports the outcome of a subscribe: the cursor now
// stored for the subscription and the messages replayed to catch up.
type SubscribeResult struct {
	Cursor    string
	Missed    []models.HubMessage
	Truncated bool
}

// Hub is the shared realtime state. A single instance is accessed from
// every connection goroutine plus the background sweeps; all shared maps
// are guarded by mu.
type Hub struct {
	mu           sync.RWMutex
	config       Config
	logger       logging.Logger
	metrics      *metrics.Metrics
	resolver     authz.AgentResolver
	connections  map[string]*Connection
	channelIndex map[string]map[string]struct{}
	buffers      map[string]*buffer.Ring
	now          func() time.Time
}

// NewHub creates a hub. metrics may be nil in tests.
func NewHub(logger logging.Logger, m *metrics.Metrics, config Config) *Hub {
	return &Hub{
		config:       config,
		logger:       logger,
		metrics:      m,
		connections:  make(map[string]*Connection),
		channelIndex: make(map[string]map[string]struct{}),
		buffers:      make(map[string]*buffer.Ring),
		now:          time.Now,
	}
}

// SetAgentResolver installs the gate consulted for agent-scoped
// subscriptions. Must be called before connections arrive.
func (h *Hub) SetAgentResolver(resolver authz.AgentResolver) {
	h.resolver = resolver
}

// Config returns the hub's configuration.
func (h *Hub) Config() Config {
	return h.config
}

// AddConnection registers a transport under a fresh connection id. No
// frames are emitted; the handler owns the connected handshake.
func (h *Hub) AddConnection(transport Transport, ac auth.Context) string {
	id := uuid.New().String()
	now := h.now()

	h.mu.Lock()
	h.connections[id] = &Connection{
		ID:            id,
		Auth:          ac,
		transport:     transport,
		subscriptions: make(map[string]string),
		pendingAcks:   make(map[string]*pendingAck),
		connectedAt:   now,
		lastHeartbeat: now,
	}
	total := len(h.connections)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.HubConnections.WithLabelValues("all").Set(float64(total))
	}
	h.logger.WithFields(logging.Fields{
		"connection_id": id,
		"user_id":       ac.UserID,
		"connections":   total,
	}).Info("Connection registered")
	return id
}

// CanSubscribe checks the caller's access to a channel using the hub's
// configured agent resolver.
func (h *Hub) CanSubscribe(ac auth.Context, c channel.Channel) authz.Decision {
	return authz.CanSubscribe(ac, c, h.resolver)
}

// bufferFor returns the channel's ring, creating it at the capacity for
// its type. Callers hold the write lock.
func (h *Hub) bufferFor(c channel.Channel) *buffer.Ring {
	key := c.String()
	ring, ok := h.buffers[key]
	if !ok {
		ring = buffer.NewRing(h.config.Capacities.For(c.Type))
		h.buffers[key] = ring
	}
	return ring
}

// resolveSince decodes a client-supplied cursor token. Undecodable and
// expired tokens degrade to the zero cursor, which replays the whole
// retained window.
func (h *Hub) resolveSince(token string) cursor.Cursor {
	cur, ok := cursor.Decode(token)
	if !ok {
		return cursor.Cursor{}
	}
	if cur.IsExpired(h.config.CursorHorizon, h.now()) {
		return cursor.Cursor{}
	}
	return cur
}

// cursorMovesBackward reports whether candidate is an older position
// than stored. Tokens that do not decode never order a move backward.
func cursorMovesBackward(stored, candidate string) bool {
	s, okS := cursor.Decode(stored)
	c, okC := cursor.Decode(candidate)
	return okS && okC && cursor.Compare(c, s) < 0
}

// Subscribe adds the connection to the channel's subscriber set,
// replays everything after sinceToken and writes the replayed frames to
// the connection's transport before releasing the hub lock. Publish
// holds the same lock, so a concurrent publish cannot slip a newer
// message onto the socket ahead of older replayed ones. The stored
// subscription cursor is the last replayed message, else the buffer's
// latest, else the supplied token verbatim. Re-subscribing is
// idempotent and never moves the stored cursor backward.
func (h *Hub) Subscribe(connectionID string, c channel.Channel, sinceToken string) (SubscribeResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(connectionID, c, sinceToken, true)
}

// subscribeLocked registers the subscription and computes the replay.
// When deliver is set the missed messages are sent as message frames;
// reconnect carries them inside its ack frame instead. Callers hold the
// write lock.
func (h *Hub) subscribeLocked(connectionID string, c channel.Channel, sinceToken string, deliver bool) (SubscribeResult, bool) {
	key := c.String()

	conn, ok := h.connections[connectionID]
	if !ok {
		return SubscribeResult{}, false
	}

	if h.channelIndex[key] == nil {
		h.channelIndex[key] = make(map[string]struct{})
	}
	h.channelIndex[key][connectionID] = struct{}{}

	ring := h.bufferFor(c)
	replayed := ring.Replay(h.resolveSince(sinceToken), 0)

	result := SubscribeResult{Missed: replayed.Messages, Truncated: replayed.Truncated}
	switch {
	case len(replayed.Messages) > 0:
		result.Cursor = replayed.Messages[len(replayed.Messages)-1].Cursor
	default:
		if latest, ok := ring.Latest(); ok {
			result.Cursor = latest.Encode()
		} else {
			result.Cursor = sinceToken
		}
	}

	if stored, exists := conn.subscriptions[key]; exists && cursorMovesBackward(stored, result.Cursor) {
		result.Cursor = stored
	}
	conn.subscriptions[key] = result.Cursor

	if deliver {
		ackRequired := c.RequiresAck()
		for _, msg := range result.Missed {
			frame := protocol.Message{Type: protocol.TypeMessage, Message: msg, AckRequired: ackRequired}
			data, err := protocol.Encode(frame)
			if err != nil {
				h.logger.WithError(err).WithField("channel", key).Error("Failed to encode replay frame")
				continue
			}
			if err := conn.transport.Send(data); err != nil {
				h.logger.WithError(err).WithFields(logging.Fields{
					"connection_id": connectionID,
					"channel":       key,
				}).Debug("Replay send failed")
			}
		}
	}

	h.logger.WithFields(logging.Fields{
		"connection_id": connectionID,
		"channel":       key,
		"missed":        len(result.Missed),
	}).Debug("Subscribed")
	return result, true
}

// Unsubscribe removes the subscription. Idempotent.
func (h *Hub) Unsubscribe(connectionID string, c channel.Channel) {
	key := c.String()

	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.channelIndex[key]; ok {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(h.channelIndex, key)
		}
	}
	if conn, ok := h.connections[connectionID]; ok {
		delete(conn.subscriptions, key)
	}
}

// Publish appends the message to the channel's buffer and fans it out to
// every current subscriber. Per-subscriber delivery failures are logged
// and swallowed; the returned message is the stored one, cursor stamped.
func (h *Hub) Publish(c channel.Channel, msgType string, payload json.RawMessage, md *models.Metadata) models.HubMessage {
	key := c.String()
	now := h.now()
	msg := models.HubMessage{
		ID:          uuid.New().String(),
		Channel:     key,
		Type:        msgType,
		Payload:     payload,
		PublishedAt: now,
		Metadata:    md,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ring := h.bufferFor(c)
	cur := ring.Append(msg, now)
	msg.Cursor = cur.Encode()

	ackRequired := c.RequiresAck()
	frame := protocol.Message{Type: protocol.TypeMessage, Message: msg, AckRequired: ackRequired}
	data, err := protocol.Encode(frame)
	if err != nil {
		h.logger.WithError(err).WithField("channel", key).Error("Failed to encode message frame")
		return msg
	}

	for connectionID := range h.channelIndex[key] {
		conn, ok := h.connections[connectionID]
		if !ok {
			continue
		}
		conn.subscriptions[key] = msg.Cursor
		if ackRequired {
			conn.pendingAcks[msg.ID] = &pendingAck{msg: msg, ackRequired: true, sentAt: now}
		}
		if err := conn.transport.Send(data); err != nil {
			// Liveness is the heartbeat sweep's call, not the send path's.
			h.logger.WithError(err).WithFields(logging.Fields{
				"connection_id": connectionID,
				"channel":       key,
			}).Debug("Send failed")
			continue
		}
		if h.metrics != nil {
			h.metrics.HubMessages.WithLabelValues(key, "out").Inc()
		}
	}

	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(msgType, key).Inc()
		h.metrics.MessageDeliveryLag.WithLabelValues(key, msgType).Observe(h.now().Sub(now).Seconds())
	}
	return msg
}

// Replay is a pure query against one channel's buffer. Authorization is
// the caller's responsibility.
func (h *Hub) Replay(c channel.Channel, fromToken string, limit int) models.BackfillResult {
	h.mu.RLock()
	ring, ok := h.buffers[c.String()]
	h.mu.RUnlock()

	if !ok {
		return models.BackfillResult{Messages: []models.HubMessage{}}
	}
	return ring.Replay(h.resolveSince(fromToken), limit)
}

// HandleReconnect resumes a set of subscriptions after a transport drop.
// Each channel is re-authorized against the connection's identity;
// denied or unparseable channels are reported in the per-channel result
// without touching hub state. The whole frame is built and written to
// the transport under the hub lock, so the missed messages inside it
// reach the socket before any concurrent publish on those channels.
func (h *Hub) HandleReconnect(connectionID string, cursors map[string]string) protocol.ReconnectAck {
	ack := protocol.ReconnectAck{Type: protocol.TypeReconnectAck, Channels: []protocol.ChannelResult{}}

	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connectionID]
	if !ok {
		return ack
	}

	for raw, token := range cursors {
		result := protocol.ChannelResult{Channel: raw, Missed: []models.HubMessage{}}

		c, parsed := channel.Parse(raw)
		if !parsed {
			result.Reason = "invalid channel"
			ack.Channels = append(ack.Channels, result)
			continue
		}
		if decision := h.CanSubscribe(conn.Auth, c); !decision.Allowed {
			result.Reason = decision.Reason
			ack.Channels = append(ack.Channels, result)
			continue
		}

		sub, ok := h.subscribeLocked(connectionID, c, token, false)
		if !ok {
			result.Reason = "connection gone"
			ack.Channels = append(ack.Channels, result)
			continue
		}
		result.Resumed = true
		result.Cursor = sub.Cursor
		result.AckRequired = c.RequiresAck()
		result.Truncated = sub.Truncated
		result.Missed = sub.Missed
		ack.Channels = append(ack.Channels, result)
	}

	data, err := protocol.Encode(ack)
	if err != nil {
		h.logger.WithError(err).WithField("connection_id", connectionID).Error("Failed to encode reconnect ack")
		return ack
	}
	if err := conn.transport.Send(data); err != nil {
		h.logger.WithError(err).WithField("connection_id", connectionID).Debug("Reconnect ack send failed")
	}
	return ack
}

// HandleAck clears acknowledged ids from the connection's pending set.
// Unknown ids are ignored, so duplicate acks are harmless.
func (h *Hub) HandleAck(connectionID string, messageIDs []string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connectionID]
	if !ok {
		return 0
	}
	acked := 0
	for _, id := range messageIDs {
		if _, pending := conn.pendingAcks[id]; pending {
			delete(conn.pendingAcks, id)
			acked++
		}
	}
	h.updatePendingAckGaugeLocked()
	return acked
}

// UpdateHeartbeat marks the connection live. Called on every inbound
// frame, not just pings.
func (h *Hub) UpdateHeartbeat(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.connections[connectionID]; ok {
		conn.lastHeartbeat = h.now()
	}
}

// RemoveConnection drops the connection from every channel index and
// discards its pending acks. Idempotent; the transport is not closed
// here because removal is usually a consequence of the transport dying.
func (h *Hub) RemoveConnection(connectionID string) {
	h.mu.Lock()
	conn, ok := h.connections[connectionID]
	if ok {
		for key := range conn.subscriptions {
			if subs, present := h.channelIndex[key]; present {
				delete(subs, connectionID)
				if len(subs) == 0 {
					delete(h.channelIndex, key)
				}
			}
		}
		delete(h.connections, connectionID)
	}
	total := len(h.connections)
	h.updatePendingAckGaugeLocked()
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.HubConnections.WithLabelValues("all").Set(float64(total))
	}
	h.logger.WithFields(logging.Fields{
		"connection_id": connectionID,
		"connections":   total,
	}).Info("Connection removed")
}

// Subscriptions returns a copy of the connection's channel to cursor
// map. The second return is false for unknown connections.
func (h *Hub) Subscriptions(connectionID string) (map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.connections[connectionID]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(conn.subscriptions))
	for k, v := range conn.subscriptions {
		out[k] = v
	}
	return out, true
}

// PendingAckCount returns the connection's outstanding unacked messages.
func (h *Hub) PendingAckCount(connectionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn, ok := h.connections[connectionID]; ok {
		return len(conn.pendingAcks)
	}
	return 0
}

// Stats summarizes hub state for the operational endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channelStats := make(map[string]int, len(h.channelIndex))
	for key, subs := range h.channelIndex {
		channelStats[key] = len(subs)
	}
	bufferStats := make(map[string]int, len(h.buffers))
	for key, ring := range h.buffers {
		bufferStats[key] = ring.Len()
	}
	pending := 0
	for _, conn := range h.connections {
		pending += len(conn.pendingAcks)
	}

	return map[string]interface{}{
		"total_connections":     len(h.connections),
		"channel_subscriptions": channelStats,
		"buffered_messages":     bufferStats,
		"pending_acks":          pending,
	}
}

// Shutdown closes every connected transport and empties the registry.
// Buffers are kept so a restart within the process could resume, though
// in practice the process exits right after.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.connections {
		if err := conn.transport.Close(); err != nil {
			h.logger.WithError(err).WithField("connection_id", id).Debug("Transport close failed")
		}
		delete(h.connections, id)
	}
	h.channelIndex = make(map[string]map[string]struct{})
	h.updatePendingAckGaugeLocked()
	h.logger.Info("Hub shut down")
}

// updatePendingAckGaugeLocked refreshes the pending-ack gauge. Callers
// hold the write lock.
func (h *Hub) updatePendingAckGaugeLocked() {
	if h.metrics == nil {
		return
	}
	pending := 0
	for _, conn := range h.connections {
		pending += len(conn.pendingAcks)
	}
	h.metrics.PendingAcks.WithLabelValues("all").Set(float64(pending))
}
