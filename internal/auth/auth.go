// Package auth is the identity/authorization boundary of the engine. The
// engine only ever asks "may this participant perform this action"; token
// verification and role assignment live behind these interfaces.
package auth

// Action names a capability the engine gates on.
type Action string

const (
	ActionEdit    Action = "edit"
	ActionComment Action = "comment"
	ActionResolve Action = "resolve"
	ActionManage  Action = "manage"
)

// Identity is the verified identity of a connecting participant.
type Identity struct {
	ParticipantID string
	DisplayName   string
	Role          string
}

// Verifier turns a bearer token into a verified identity.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

// Authorizer answers permission checks for participants that already joined.
type Authorizer interface {
	HasPermission(participantID string, action Action) bool
}

// AllowAll grants everything; the default for single-tenant deployments
// where roles alone gate capabilities.
type AllowAll struct{}

func (AllowAll) HasPermission(string, Action) bool { return true }
