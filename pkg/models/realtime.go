package models

import (
	"encoding/json"
	"time"
)

// HubMessage is a single event stored in a channel ring buffer and
// delivered to subscribers. Immutable after creation; the cursor is
// assigned by the buffer at append time.
type HubMessage struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Cursor      string          `json:"cursor"`
	PublishedAt time.Time       `json:"publishedAt"`
	Metadata    *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries optional producer-supplied correlation fields.
// The hub never inspects it.
type Metadata struct {
	AgentID       string `json:"agentId,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// BackfillResult is the outcome of a cursor-based replay against a
// channel buffer.
type BackfillResult struct {
	Messages []HubMessage `json:"messages"`
	// LastCursor is the cursor of the newest returned message, or the
	// buffer's newest cursor when nothing was returned. Empty only for an
	// empty buffer.
	LastCursor string `json:"lastCursor,omitempty"`
	// HasMore reports that the replay was cut by a limit.
	HasMore bool `json:"hasMore"`
	// Truncated reports that the requested cursor predates the oldest
	// retained entry, so the replay restarted from the beginning of the
	// buffer.
	Truncated bool `json:"truncated"`
}
