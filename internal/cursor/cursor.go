// Package cursor implements the opaque position tokens handed to clients
// so they can resume a channel stream after a disconnect. A cursor wraps
// a channel-local sequence number plus its issue time; the encoded form
// is deliberately opaque so the layout can change without breaking
// clients.
package cursor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Zero is the reserved client-supplied token meaning "from the beginning
// of whatever the channel buffer still retains".
const Zero = "0"

// Cursor is a position within a single channel's buffer. Cursors from
// different channels are not comparable; callers enforce that.
type Cursor struct {
	Seq uint64
	At  time.Time
}

// New creates a cursor from a channel-local sequence number and wall clock.
func New(seq uint64, at time.Time) Cursor {
	return Cursor{Seq: seq, At: at.UTC()}
}

// Encode renders the cursor as an opaque ASCII token. The fixed-width hex
// layout keeps lexical order aligned with sequence order, which makes
// tokens stable to log and diff.
func (c Cursor) Encode() string {
	return fmt.Sprintf("%016x-%x", c.Seq, c.At.UnixMilli())
}

// Decode parses an encoded cursor. It returns ok=false for anything that
// is not a valid token; the reserved Zero token decodes to the zero
// cursor.
func Decode(token string) (Cursor, bool) {
	if token == Zero {
		return Cursor{}, true
	}

	seqPart, tsPart, found := strings.Cut(token, "-")
	if !found || len(seqPart) != 16 || tsPart == "" {
		return Cursor{}, false
	}

	seq, err := strconv.ParseUint(seqPart, 16, 64)
	if err != nil {
		return Cursor{}, false
	}
	millis, err := strconv.ParseInt(tsPart, 16, 64)
	if err != nil || millis < 0 {
		return Cursor{}, false
	}

	return Cursor{Seq: seq, At: time.UnixMilli(millis).UTC()}, true
}

// Compare orders two cursors from the same channel by (sequence, issue
// time). It returns <0, 0 or >0 in the manner of strings.Compare.
func Compare(a, b Cursor) int {
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	switch {
	case a.At.Before(b.At):
		return -1
	case a.At.After(b.At):
		return 1
	}
	return 0
}

// IsZero reports whether the cursor is the reserved from-the-start token.
func (c Cursor) IsZero() bool {
	return c.Seq == 0 && c.At.IsZero()
}

// IsExpired reports whether the cursor was issued before now-horizon.
// Expired cursors are treated like Zero: the caller replays from the
// start of the retained window. The zero cursor never expires.
func (c Cursor) IsExpired(horizon time.Duration, now time.Time) bool {
	if c.IsZero() {
		return false
	}
	return now.Sub(c.At) > horizon
}
