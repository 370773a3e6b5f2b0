package hub

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"agentworks/internal/protocol"
	"agentworks/pkg/logging"
)

// Run drives the hub's background loops until the context is cancelled:
// server heartbeat frames, stale connection eviction and pending-ack
// redelivery.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.heartbeatLoop(ctx) })
	g.Go(func() error { return h.ackSweepLoop(ctx) })

	return g.Wait()
}

func (h *Hub) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.BroadcastHeartbeat()
			h.SweepStaleConnections(h.now())
		}
	}
}

func (h *Hub) ackSweepLoop(ctx context.Context) error {
	interval := h.config.AckReplayWindow / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.SweepPendingAcks(h.now())
		}
	}
}

// BroadcastHeartbeat sends a liveness frame to every connection so idle
// clients can detect a dead socket.
func (h *Hub) BroadcastHeartbeat() {
	data, err := protocol.Encode(protocol.Heartbeat{Type: protocol.TypeHeartbeat, ServerTime: h.now()})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode heartbeat frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, conn := range h.connections {
		if err := conn.transport.Send(data); err != nil {
			h.logger.WithError(err).WithField("connection_id", id).Debug("Heartbeat send failed")
		}
	}
}

// SweepStaleConnections closes and removes every connection whose last
// inbound frame is older than the configured timeout.
func (h *Hub) SweepStaleConnections(now time.Time) {
	h.mu.RLock()
	stale := make([]string, 0)
	for id, conn := range h.connections {
		if now.Sub(conn.lastHeartbeat) > h.config.ConnectionTimeout {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.mu.RLock()
		conn, ok := h.connections[id]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		h.logger.WithFields(logging.Fields{
			"connection_id": id,
			"timeout":       h.config.ConnectionTimeout.String(),
		}).Warn("Connection timed out")
		if err := conn.transport.Close(); err != nil {
			h.logger.WithError(err).WithField("connection_id", id).Debug("Transport close failed")
		}
		h.RemoveConnection(id)
	}
}

// SweepPendingAcks re-sends messages that were not acknowledged inside
// the replay window. After MaxAckReplays redeliveries the hub gives up
// on the id; the message stays in the ring buffer, so a reconnect from
// the subscriber's last cursor still recovers it.
func (h *Hub) SweepPendingAcks(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.connections {
		for msgID, pending := range conn.pendingAcks {
			if now.Sub(pending.sentAt) <= h.config.AckReplayWindow {
				continue
			}
			if pending.replayCount >= h.config.MaxAckReplays {
				h.logger.WithFields(logging.Fields{
					"connection_id": id,
					"message_id":    msgID,
					"replays":       pending.replayCount,
				}).Warn("Giving up on unacknowledged message")
				delete(conn.pendingAcks, msgID)
				continue
			}

			pending.replayCount++
			pending.sentAt = now
			frame := protocol.Message{
				Type:        protocol.TypeMessage,
				Message:     pending.msg,
				AckRequired: true,
				ReplayCount: pending.replayCount,
			}
			data, err := protocol.Encode(frame)
			if err != nil {
				h.logger.WithError(err).WithField("message_id", msgID).Error("Failed to encode replay frame")
				continue
			}
			if err := conn.transport.Send(data); err != nil {
				h.logger.WithError(err).WithFields(logging.Fields{
					"connection_id": id,
					"message_id":    msgID,
				}).Debug("Ack replay send failed")
				continue
			}
			if h.metrics != nil {
				h.metrics.AckReplays.WithLabelValues(pending.msg.Channel).Inc()
			}
		}
	}
	h.updatePendingAckGaugeLocked()
}
