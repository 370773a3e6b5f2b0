package cursor

import (
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	c := New(42, now)

	decoded, ok := Decode(c.Encode())
	if !ok {
		t.Fatalf("decode failed for %q", c.Encode())
	}
	if decoded.Seq != 42 {
		t.Fatalf("expected seq 42, got %d", decoded.Seq)
	}
	if !decoded.At.Equal(now.UTC()) {
		t.Fatalf("expected %v, got %v", now.UTC(), decoded.At)
	}
}

func TestDecodeZeroToken(t *testing.T) {
	c, ok := Decode(Zero)
	if !ok {
		t.Fatal("zero token must decode")
	}
	if !c.IsZero() {
		t.Fatalf("expected zero cursor, got %+v", c)
	}
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	bad := []string{
		"",
		"not-a-cursor",
		"0000000000000001",            // missing timestamp part
		"1-abc",                       // short sequence part
		"00000000000000zz-1234",       // non-hex sequence
		"0000000000000001-nothex",     // non-hex timestamp
		"0000000000000001-",           // empty timestamp
		"0000000000000001-1234-extra", // ParseInt fails on second dash remainder
	}
	for _, token := range bad {
		if _, ok := Decode(token); ok {
			t.Fatalf("expected decode failure for %q", token)
		}
	}
}

func TestCompareOrdersBySequence(t *testing.T) {
	now := time.Now()
	a := New(1, now)
	b := New(2, now)

	if Compare(a, b) >= 0 {
		t.Fatal("expected a < b")
	}
	if Compare(b, a) <= 0 {
		t.Fatal("expected b > a")
	}
	if Compare(a, a) != 0 {
		t.Fatal("expected a == a")
	}
}

func TestCompareTimestampBreaksTies(t *testing.T) {
	now := time.Now()
	a := New(5, now)
	b := New(5, now.Add(time.Second))

	if Compare(a, b) >= 0 {
		t.Fatal("expected earlier timestamp to order first")
	}
}

func TestMonotonicSequenceProducesIncreasingCursors(t *testing.T) {
	now := time.Now()
	prev := New(0, now)
	for seq := uint64(1); seq < 100; seq++ {
		next := New(seq, now.Add(time.Duration(seq)*time.Millisecond))
		if Compare(next, prev) <= 0 {
			t.Fatalf("cursor %d not strictly greater than predecessor", seq)
		}
		prev = next
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	fresh := New(1, now.Add(-time.Hour))
	stale := New(1, now.Add(-25*time.Hour))

	if fresh.IsExpired(24*time.Hour, now) {
		t.Fatal("fresh cursor must not be expired")
	}
	if !stale.IsExpired(24*time.Hour, now) {
		t.Fatal("stale cursor must be expired")
	}
	if (Cursor{}).IsExpired(time.Nanosecond, now) {
		t.Fatal("zero cursor never expires")
	}
}
