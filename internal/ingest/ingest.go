// Package ingest bridges coordination events arriving on Kafka into the
// hub. Producers (checkpoint service, git coordinator, alert router)
// publish Event records keyed by channel; the bridge validates the
// channel and fans the event out under the system identity.
package ingest

import (
	"context"
	"encoding/json"

	"agentworks/internal/channel"
	"agentworks/internal/hub"
	"agentworks/pkg/kafka"
	"agentworks/pkg/logging"
	"agentworks/pkg/models"
)

// Bridge routes Kafka events into the hub.
type Bridge struct {
	hub    *hub.Hub
	logger logging.Logger
}

// NewBridge creates a bridge bound to a hub.
func NewBridge(h *hub.Hub, logger logging.Logger) *Bridge {
	return &Bridge{hub: h, logger: logger}
}

// Register subscribes the bridge to the given topics on the consumer.
func (b *Bridge) Register(consumer kafka.ConsumerInterface, topics []string) {
	for _, topic := range topics {
		consumer.AddHandler(topic, b.HandleMessage)
	}
}

// HandleMessage decodes one Kafka record and publishes it. Malformed
// records and unknown channels are logged and skipped; returning an
// error would block the partition for a record that can never succeed.
func (b *Bridge) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event kafka.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		b.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Skipping malformed event")
		return nil
	}

	ch, ok := channel.Parse(event.Channel)
	if !ok {
		b.logger.WithFields(logging.Fields{
			"topic":   msg.Topic,
			"channel": event.Channel,
		}).Warn("Skipping event with unknown channel")
		return nil
	}

	var md *models.Metadata
	if event.AgentID != "" || event.WorkspaceID != "" || event.CorrelationID != "" {
		md = &models.Metadata{
			AgentID:       event.AgentID,
			WorkspaceID:   event.WorkspaceID,
			CorrelationID: event.CorrelationID,
		}
	}

	published := b.hub.Publish(ch, event.Type, event.Payload, md)
	b.logger.WithFields(logging.Fields{
		"event_type": event.Type,
		"source":     event.Source,
		"channel":    event.Channel,
		"message_id": published.ID,
	}).Debug("Ingested event")
	return nil
}
