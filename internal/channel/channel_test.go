package channel

import "testing"

func TestParseStringRoundTrip(t *testing.T) {
	cases := []struct {
		raw  string
		want Channel
	}{
		{"agent:output:agent-1", Channel{Type: TypeAgentOutput, AgentID: "agent-1"}},
		{"agent:status:agent-1", Channel{Type: TypeAgentStatus, AgentID: "agent-1"}},
		{"workspace:git:ws-9", Channel{Type: TypeWorkspaceGit, WorkspaceID: "ws-9"}},
		{"workspace:checkpoints:ws-9", Channel{Type: TypeWorkspaceCheckpoints, WorkspaceID: "ws-9"}},
		{"workspace:conflicts:ws-9", Channel{Type: TypeWorkspaceConflicts, WorkspaceID: "ws-9"}},
		{"workspace:reservations:ws-9", Channel{Type: TypeWorkspaceReservations, WorkspaceID: "ws-9"}},
		{"user:mail:u-3", Channel{Type: TypeUserMail, UserID: "u-3"}},
		{"user:notifications:u-3", Channel{Type: TypeUserNotifications, UserID: "u-3"}},
		{"system:health", Channel{Type: TypeSystemHealth}},
		{"system:processes", Channel{Type: TypeSystemProcesses}},
		{"session:events:sess-7", Channel{Type: TypeSessionEvents, SessionID: "sess-7"}},
		{"fleet:status:fleet-2", Channel{Type: TypeFleetStatus, FleetID: "fleet-2"}},
		{"pipeline:run:pipe-1:run-55", Channel{Type: TypePipelineRun, PipelineID: "pipe-1", RunID: "run-55"}},
	}

	for _, tc := range cases {
		got, ok := Parse(tc.raw)
		if !ok {
			t.Fatalf("Parse(%q) failed", tc.raw)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
		if got.String() != tc.raw {
			t.Fatalf("String() = %q, want %q", got.String(), tc.raw)
		}
	}
}

func TestParseAllowsColonsInTailIDs(t *testing.T) {
	c, ok := Parse("agent:output:agent:with:colons")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if c.Type != TypeAgentOutput || c.AgentID != "agent:with:colons" {
		t.Fatalf("unexpected channel %+v", c)
	}
	if c.String() != "agent:output:agent:with:colons" {
		t.Fatalf("round trip lost the id: %q", c.String())
	}
}

func TestParsePipelineRunTailRunID(t *testing.T) {
	c, ok := Parse("pipeline:run:pipe-1:run:with:colons")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if c.PipelineID != "pipe-1" || c.RunID != "run:with:colons" {
		t.Fatalf("unexpected channel %+v", c)
	}
}

func TestParseRejectsInvalidChannels(t *testing.T) {
	bad := []string{
		"",
		"agent",
		"agent:output",          // missing id
		"agent:output:",         // empty id
		"system:health:extra",   // id on an id-less channel
		"pipeline:run:only-one", // missing run id
		"pipeline:run::run-1",   // empty pipeline id
		"pipeline:run:pipe-1:",  // empty run id
		"unknown:thing:id",
		"workspace:unknown:ws-1",
	}
	for _, raw := range bad {
		if c, ok := Parse(raw); ok {
			t.Fatalf("Parse(%q) = %+v, expected failure", raw, c)
		}
	}
}

func TestScope(t *testing.T) {
	c, _ := Parse("workspace:git:ws-1")
	if c.Scope() != ScopeWorkspace {
		t.Fatalf("scope = %q, want workspace", c.Scope())
	}
	c, _ = Parse("system:health")
	if c.Scope() != ScopeSystem {
		t.Fatalf("scope = %q, want system", c.Scope())
	}
}

func TestRequiresAck(t *testing.T) {
	acked := []string{
		"workspace:conflicts:ws-1",
		"workspace:reservations:ws-1",
		"user:notifications:u-1",
	}
	for _, raw := range acked {
		c, _ := Parse(raw)
		if !c.RequiresAck() {
			t.Fatalf("%s must require acks", raw)
		}
	}

	unacked := []string{
		"agent:output:a-1",
		"workspace:git:ws-1",
		"user:mail:u-1",
		"system:health",
	}
	for _, raw := range unacked {
		c, _ := Parse(raw)
		if c.RequiresAck() {
			t.Fatalf("%s must not require acks", raw)
		}
	}
}

func TestPatternMatching(t *testing.T) {
	cases := []struct {
		channel string
		pattern string
		want    bool
	}{
		{"agent:output:a-1", "agent:output:*", true},
		{"agent:output:a-1", "agent:output:a-1", true},
		{"agent:output:a-1", "agent:output:b-*", false},
		{"agent:status:a-1", "agent:output:*", false},
		{"workspace:git:ws-1", "workspace:*:ws-1", true},
		{"system:health", "system:*", true},
		// A wildcard does not cross a colon boundary.
		{"agent:output:agent:with:colons", "agent:output:*", false},
		{"pipeline:run:pipe-1:run-1", "pipeline:run:pipe-1:*", true},
		{"pipeline:run:pipe-2:run-1", "pipeline:run:pipe-1:*", false},
	}
	for _, tc := range cases {
		c, ok := Parse(tc.channel)
		if !ok {
			t.Fatalf("Parse(%q) failed", tc.channel)
		}
		if got := MatchesPattern(c, tc.pattern); got != tc.want {
			t.Fatalf("MatchesPattern(%q, %q) = %v, want %v", tc.channel, tc.pattern, got, tc.want)
		}
	}
}
