// Package buffer holds the per-channel replay window. Each channel owns
// one fixed-capacity ring; appending past capacity evicts the oldest
// message. Sequence numbers are channel-local, start at 1 and never
// reset for the lifetime of the ring.
package buffer

import (
	"sync"
	"time"

	"agentworks/internal/channel"
	"agentworks/internal/cursor"
	"agentworks/pkg/models"
)

const (
	// DefaultCapacity applies to every channel type without an override.
	DefaultCapacity = 1024
	// AgentOutputCapacity is larger because terminal output is the
	// chattiest stream in the system.
	AgentOutputCapacity = 4096
	// SystemCapacity is small; system channels carry periodic snapshots
	// where only the recent tail matters.
	SystemCapacity = 256
)

// Capacities selects ring sizes per channel type. Zero fields fall back
// to the package defaults.
type Capacities struct {
	Default     int
	AgentOutput int
	System      int
}

// DefaultCapacities returns the production capacity table.
func DefaultCapacities() Capacities {
	return Capacities{
		Default:     DefaultCapacity,
		AgentOutput: AgentOutputCapacity,
		System:      SystemCapacity,
	}
}

// For returns the ring capacity for a channel type.
func (c Capacities) For(t channel.Type) int {
	pick := func(configured, fallback int) int {
		if configured > 0 {
			return configured
		}
		return fallback
	}
	switch t {
	case channel.TypeAgentOutput:
		return pick(c.AgentOutput, AgentOutputCapacity)
	case channel.TypeSystemHealth, channel.TypeSystemProcesses:
		return pick(c.System, SystemCapacity)
	default:
		return pick(c.Default, DefaultCapacity)
	}
}

// CapacityFor returns the default ring capacity for a channel type.
func CapacityFor(t channel.Type) int {
	return DefaultCapacities().For(t)
}

type entry struct {
	cur cursor.Cursor
	msg models.HubMessage
}

// Ring is a fixed-capacity circular buffer of published messages for a
// single channel. One writer appends while any number of readers replay.
type Ring struct {
	mu       sync.RWMutex
	entries  []entry
	start    int
	count    int
	lastSeq  uint64
	lastCur  cursor.Cursor
	capacity int
}

// NewRing creates a ring with the given capacity. Capacity must be
// positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries:  make([]entry, capacity),
		capacity: capacity,
	}
}

// Append stores the message, assigns it the next cursor in this
// channel's sequence and returns that cursor. The message's Cursor field
// is stamped with the encoded token before storage.
func (r *Ring) Append(msg models.HubMessage, at time.Time) cursor.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeq++
	cur := cursor.New(r.lastSeq, at)
	r.lastCur = cur
	msg.Cursor = cur.Encode()

	idx := (r.start + r.count) % r.capacity
	if r.count == r.capacity {
		// Full: overwrite the oldest slot and advance the window.
		idx = r.start
		r.start = (r.start + 1) % r.capacity
	} else {
		r.count++
	}
	r.entries[idx] = entry{cur: cur, msg: msg}
	return cur
}

// Latest returns the cursor of the most recently appended message. ok is
// false when nothing has ever been appended.
func (r *Ring) Latest() (cursor.Cursor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCur, r.lastSeq > 0
}

// Len returns the number of retained messages.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// oldestSeq is the sequence number of the oldest retained message.
// Callers hold at least a read lock. Zero when the ring is empty.
func (r *Ring) oldestSeq() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.lastSeq - uint64(r.count) + 1
}

// Replay returns the retained messages strictly after the given cursor,
// oldest first, up to limit (limit <= 0 means no limit).
//
// Truncated is set when the cursor points before the retained window
// after evictions; the caller still gets everything that is left.
// HasMore is set when limit cut the result short. LastCursor points at
// the newest returned message, or the newest in the ring when nothing
// qualified, so a follow-up call resumes correctly.
func (r *Ring) Replay(from cursor.Cursor, limit int) models.BackfillResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := models.BackfillResult{Messages: []models.HubMessage{}}
	if r.count == 0 {
		return result
	}

	// Eviction has happened once the oldest retained sequence moved past
	// 1; any cursor before that point can no longer be honored exactly.
	oldest := r.oldestSeq()
	if oldest > 1 && from.Seq < oldest {
		result.Truncated = true
	}

	for i := 0; i < r.count; i++ {
		e := r.entries[(r.start+i)%r.capacity]
		if e.cur.Seq <= from.Seq {
			continue
		}
		if limit > 0 && len(result.Messages) == limit {
			result.HasMore = true
			break
		}
		result.Messages = append(result.Messages, e.msg)
		result.LastCursor = e.cur.Encode()
	}

	if result.LastCursor == "" {
		result.LastCursor = r.lastCur.Encode()
	}
	return result
}
