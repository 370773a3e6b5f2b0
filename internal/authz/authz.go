// Package authz decides whether an authenticated caller may subscribe to
// or publish on a channel. Decisions are pure functions of the caller's
// identity and the channel; the hub and handlers never embed rules of
// their own.
package authz

import (
	"fmt"

	"agentworks/internal/channel"
	"agentworks/pkg/auth"
)

// Decision is the outcome of an authorization check. Reason is only set
// on denial and is safe to surface to the client.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// AgentResolver answers whether a user may observe a given agent. It is
// consulted for agent-scoped subscriptions when configured; a nil
// resolver admits any authenticated caller.
type AgentResolver func(agentID string, userID string, workspaceIDs []string) bool

// CanSubscribe reports whether the caller may subscribe to the channel.
func CanSubscribe(ac auth.Context, c channel.Channel, resolver AgentResolver) Decision {
	if ac.IsAdmin {
		return allow()
	}
	if !ac.Authenticated() {
		return deny("authentication required")
	}

	switch c.Scope() {
	case channel.ScopeAgent:
		if resolver != nil && !resolver(c.AgentID, ac.UserID, ac.WorkspaceIDs) {
			return deny("no access to agent %s", c.AgentID)
		}
		return allow()
	case channel.ScopeWorkspace:
		if !ac.HasWorkspace(c.WorkspaceID) {
			return deny("not a member of workspace %s", c.WorkspaceID)
		}
		return allow()
	case channel.ScopeUser:
		if c.UserID != ac.UserID {
			return deny("cannot subscribe to another user's channel")
		}
		return allow()
	case channel.ScopeSystem:
		return deny("system channels require admin access")
	case channel.ScopeSession, channel.ScopeFleet, channel.ScopePipeline:
		return allow()
	}
	return deny("unknown channel scope %s", c.Scope())
}

// CanPublish reports whether the caller may publish on the channel.
// Internal producers publish under the system identity, which passes the
// admin check.
func CanPublish(ac auth.Context, c channel.Channel) Decision {
	if ac.IsAdmin {
		return allow()
	}
	if !ac.Authenticated() {
		return deny("authentication required")
	}

	switch c.Scope() {
	case channel.ScopeWorkspace:
		if !ac.HasWorkspace(c.WorkspaceID) {
			return deny("not a member of workspace %s", c.WorkspaceID)
		}
		return allow()
	case channel.ScopeUser:
		// Mail may be sent to any user; notifications only to oneself.
		if c.Type == channel.TypeUserMail {
			return allow()
		}
		if c.UserID != ac.UserID {
			return deny("cannot publish to another user's channel")
		}
		return allow()
	}
	return deny("publishing on %s channels is reserved for internal producers", c.Scope())
}
