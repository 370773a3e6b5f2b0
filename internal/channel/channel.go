// Package channel defines the typed channel model of the coordination
// gateway. A channel string has the shape "<scope>:<kind>[:<id>[:<id>…]]";
// every channel type consumes a fixed number of colon-separated prefix
// tokens and treats the remainder as its id, so ids themselves may
// contain colons.
package channel

import (
	"regexp"
	"strings"
)

// Type identifies a channel variant by its two-token prefix.
type Type string

const (
	TypeAgentOutput           Type = "agent:output"
	TypeAgentStatus           Type = "agent:status"
	TypeWorkspaceGit          Type = "workspace:git"
	TypeWorkspaceCheckpoints  Type = "workspace:checkpoints"
	TypeWorkspaceConflicts    Type = "workspace:conflicts"
	TypeWorkspaceReservations Type = "workspace:reservations"
	TypeUserMail              Type = "user:mail"
	TypeUserNotifications     Type = "user:notifications"
	TypeSystemHealth          Type = "system:health"
	TypeSystemProcesses       Type = "system:processes"
	TypeSessionEvents         Type = "session:events"
	TypeFleetStatus           Type = "fleet:status"
	TypePipelineRun           Type = "pipeline:run"
)

// Scope is the first token of a channel string.
type Scope string

const (
	ScopeAgent     Scope = "agent"
	ScopeWorkspace Scope = "workspace"
	ScopeUser      Scope = "user"
	ScopeSystem    Scope = "system"
	ScopeSession   Scope = "session"
	ScopeFleet     Scope = "fleet"
	ScopePipeline  Scope = "pipeline"
)

// ackRequired lists the channel types that carry at-least-once delivery:
// subscribers must acknowledge every message or have it re-sent.
var ackRequired = map[Type]bool{
	TypeWorkspaceConflicts:    true,
	TypeWorkspaceReservations: true,
	TypeUserNotifications:     true,
}

// tailIDTypes are the variants whose single id is the tail of the string
// and may itself contain colons.
var tailIDTypes = []Type{
	TypeAgentOutput,
	TypeAgentStatus,
	TypeWorkspaceGit,
	TypeWorkspaceCheckpoints,
	TypeWorkspaceConflicts,
	TypeWorkspaceReservations,
	TypeUserMail,
	TypeUserNotifications,
	TypeSessionEvents,
	TypeFleetStatus,
}

// Channel is a parsed, typed channel. Exactly the id fields that the
// Type calls for are populated; the rest stay empty, which keeps the
// struct comparable with ==.
type Channel struct {
	Type        Type
	AgentID     string
	WorkspaceID string
	UserID      string
	SessionID   string
	FleetID     string
	PipelineID  string
	RunID       string
}

// Scope returns the channel's scope (the first token of its type).
func (c Channel) Scope() Scope {
	prefix, _, _ := strings.Cut(string(c.Type), ":")
	return Scope(prefix)
}

// RequiresAck reports whether messages on this channel need explicit
// acknowledgment from subscribers.
func (c Channel) RequiresAck() bool {
	return ackRequired[c.Type]
}

// id returns the variable portion for single-tail-id types.
func (c Channel) id() string {
	switch c.Type {
	case TypeAgentOutput, TypeAgentStatus:
		return c.AgentID
	case TypeWorkspaceGit, TypeWorkspaceCheckpoints, TypeWorkspaceConflicts, TypeWorkspaceReservations:
		return c.WorkspaceID
	case TypeUserMail, TypeUserNotifications:
		return c.UserID
	case TypeSessionEvents:
		return c.SessionID
	case TypeFleetStatus:
		return c.FleetID
	}
	return ""
}

// String renders the canonical channel string. Parse(String()) returns
// the identical Channel for every valid value.
func (c Channel) String() string {
	switch c.Type {
	case TypeSystemHealth, TypeSystemProcesses:
		return string(c.Type)
	case TypePipelineRun:
		return string(c.Type) + ":" + c.PipelineID + ":" + c.RunID
	default:
		return string(c.Type) + ":" + c.id()
	}
}

// Parse decodes a channel string. It returns ok=false on an unknown
// prefix, a missing required id, or a malformed suffix; it never panics.
func Parse(s string) (Channel, bool) {
	switch Type(s) {
	case TypeSystemHealth:
		return Channel{Type: TypeSystemHealth}, true
	case TypeSystemProcesses:
		return Channel{Type: TypeSystemProcesses}, true
	}

	if rest, found := strings.CutPrefix(s, string(TypePipelineRun)+":"); found {
		pipelineID, runID, ok := strings.Cut(rest, ":")
		if !ok || pipelineID == "" || runID == "" {
			return Channel{}, false
		}
		return Channel{Type: TypePipelineRun, PipelineID: pipelineID, RunID: runID}, true
	}

	for _, t := range tailIDTypes {
		rest, found := strings.CutPrefix(s, string(t)+":")
		if !found || rest == "" {
			continue
		}
		c := Channel{Type: t}
		switch t {
		case TypeAgentOutput, TypeAgentStatus:
			c.AgentID = rest
		case TypeWorkspaceGit, TypeWorkspaceCheckpoints, TypeWorkspaceConflicts, TypeWorkspaceReservations:
			c.WorkspaceID = rest
		case TypeUserMail, TypeUserNotifications:
			c.UserID = rest
		case TypeSessionEvents:
			c.SessionID = rest
		case TypeFleetStatus:
			c.FleetID = rest
		}
		return c, true
	}

	return Channel{}, false
}

// Pattern matches channel strings. A "*" matches any run of non-colon
// characters; every other character is literal.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern precompiles a channel pattern.
func CompilePattern(pattern string) *Pattern {
	quoted := regexp.QuoteMeta(pattern)
	expr := "^" + strings.ReplaceAll(quoted, `\*`, `[^:]*`) + "$"
	return &Pattern{raw: pattern, re: regexp.MustCompile(expr)}
}

// Match reports whether the channel's string form matches the pattern.
func (p *Pattern) Match(c Channel) bool {
	return p.re.MatchString(c.String())
}

// MatchesPattern is a convenience for one-shot matching.
func MatchesPattern(c Channel, pattern string) bool {
	return CompilePattern(pattern).Match(c)
}
