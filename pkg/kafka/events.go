package kafka

import (
	"context"
	"encoding/json"
	"time"
)

// Event represents a coordination event published by gateway services
// (checkpointing, git coordination, alert routing). The channel string
// addresses a hub channel; the payload is opaque to the transport.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Channel       string          `json:"channel"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// EventHandler processes decoded coordination events.
type EventHandler interface {
	HandleEvent(event Event) error
}

// ConsumerInterface defines the interface for Kafka consumers
type ConsumerInterface interface {
	AddHandler(topic string, handler Handler)
	Start(ctx context.Context) error
	Close() error
	HealthCheck() error
}
