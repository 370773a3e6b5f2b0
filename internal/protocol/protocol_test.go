package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientFrameVariants(t *testing.T) {
	cases := []struct {
		raw   string
		check func(t *testing.T, f *ClientFrame)
	}{
		{
			`{"type":"subscribe","channel":"agent:output:a-1","cursor":"0"}`,
			func(t *testing.T, f *ClientFrame) {
				if f.Channel != "agent:output:a-1" || f.Cursor != "0" {
					t.Fatalf("unexpected frame %+v", f)
				}
			},
		},
		{
			`{"type":"unsubscribe","channel":"agent:output:a-1"}`,
			func(t *testing.T, f *ClientFrame) {
				if f.Channel != "agent:output:a-1" {
					t.Fatalf("unexpected frame %+v", f)
				}
			},
		},
		{
			`{"type":"ping","timestamp":1712345678}`,
			func(t *testing.T, f *ClientFrame) {
				if f.Timestamp != 1712345678 {
					t.Fatalf("unexpected frame %+v", f)
				}
			},
		},
		{
			`{"type":"backfill","channel":"workspace:git:ws-1","fromCursor":"0","limit":50}`,
			func(t *testing.T, f *ClientFrame) {
				if f.FromCursor != "0" || f.Limit != 50 {
					t.Fatalf("unexpected frame %+v", f)
				}
			},
		},
		{
			`{"type":"reconnect","cursors":{"user:notifications:u1":"0"}}`,
			func(t *testing.T, f *ClientFrame) {
				if f.Cursors["user:notifications:u1"] != "0" {
					t.Fatalf("unexpected frame %+v", f)
				}
			},
		},
		{
			`{"type":"ack","messageIds":["m-1","m-2"]}`,
			func(t *testing.T, f *ClientFrame) {
				if len(f.MessageIDs) != 2 {
					t.Fatalf("unexpected frame %+v", f)
				}
			},
		},
	}

	for _, tc := range cases {
		f := ParseClientFrame([]byte(tc.raw))
		if f == nil {
			t.Fatalf("ParseClientFrame(%s) = nil", tc.raw)
		}
		tc.check(t, f)
	}
}

func TestParseClientFrameRejectsMalformed(t *testing.T) {
	bad := []string{
		``,
		`not json`,
		`[]`,
		`{"type":"unknown"}`,
		`{"channel":"agent:output:a-1"}`,    // missing type
		`{"type":"subscribe"}`,              // missing channel
		`{"type":"reconnect"}`,              // missing cursors
		`{"type":"ack"}`,                    // missing messageIds
		`{"type":"subscribe","channel":""}`, // empty channel
	}
	for _, raw := range bad {
		if f := ParseClientFrame([]byte(raw)); f != nil {
			t.Fatalf("expected nil for %q, got %+v", raw, f)
		}
	}
}

func TestEncodeErrorFrame(t *testing.T) {
	data, err := Encode(NewError(CodeSubscriptionDenied, "not a member", "workspace:git:ws-1"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if decoded["type"] != TypeError || decoded["code"] != CodeSubscriptionDenied {
		t.Fatalf("unexpected frame %v", decoded)
	}
	if decoded["channel"] != "workspace:git:ws-1" {
		t.Fatalf("channel not carried: %v", decoded)
	}
}

func TestEncodeOmitsEmptyOptionalFields(t *testing.T) {
	data, err := Encode(NewError(CodeInternalError, "boom", ""))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if _, present := decoded["channel"]; present {
		t.Fatal("empty channel must be omitted")
	}
}
