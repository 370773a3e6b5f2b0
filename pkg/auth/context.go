package auth

// Context is the identity a connection or request acts under. It is
// produced by the authentication layer and consumed by authorization
// decisions; the hub itself never inspects tokens.
type Context struct {
	UserID       string   `json:"user_id,omitempty"`
	APIKeyID     string   `json:"api_key_id,omitempty"`
	WorkspaceIDs []string `json:"workspace_ids,omitempty"`
	IsAdmin      bool     `json:"is_admin"`
}

// Guest returns the unauthenticated identity.
func Guest() Context {
	return Context{}
}

// System returns the internal service identity used by in-process
// producers (Kafka ingest, sibling services).
func System() Context {
	return Context{UserID: "system", IsAdmin: true}
}

// Authenticated reports whether the context carries any identity.
func (c Context) Authenticated() bool {
	return c.UserID != "" || c.APIKeyID != ""
}

// HasWorkspace reports whether the identity is a member of the workspace.
func (c Context) HasWorkspace(workspaceID string) bool {
	for _, id := range c.WorkspaceIDs {
		if id == workspaceID {
			return true
		}
	}
	return false
}
