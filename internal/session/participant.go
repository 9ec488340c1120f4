// Package session maps documents to their active actors and participant
// rosters: join/leave, presence heartbeats and session teardown.
package session

import (
	"sync"
	"time"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// Role governs what a participant may do in a session.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
)

// CanEdit reports whether the role may submit edit operations.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor || r == RoleReviewer
}

// CanResolve reports whether the role may answer high-severity conflicts or
// supply manual merges.
func (r Role) CanResolve() bool {
	return r == RoleOwner || r == RoleReviewer
}

// CanManage reports whether the role may lock the document or force states.
func (r Role) CanManage() bool {
	return r == RoleOwner
}

// Selection is a participant's cursor or selection range. Ephemeral: it is
// never part of the document's causal history.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Participant is one collaborator in a session. Presence fields are written
// by the participant's own connection handler and only read by others.
type Participant struct {
	ID          ot.ParticipantID `json:"participantId"`
	DisplayName string           `json:"displayName"`
	Role        Role             `json:"role"`

	mu       sync.RWMutex
	cursor   *Selection
	lastSeen time.Time
	active   bool
}

// NewParticipant builds an active participant with presence initialised to
// now.
func NewParticipant(id ot.ParticipantID, name string, role Role) *Participant {
	return &Participant{
		ID:          id,
		DisplayName: name,
		Role:        role,
		lastSeen:    time.Now(),
		active:      true,
	}
}

// Touch records a heartbeat. Idempotent and best-effort.
func (p *Participant) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.active = true
	p.mu.Unlock()
}

// SetCursor updates the ephemeral cursor/selection.
func (p *Participant) SetCursor(sel *Selection) {
	p.mu.Lock()
	p.cursor = sel
	p.mu.Unlock()
}

// Cursor returns the current selection, nil when none is set.
func (p *Participant) Cursor() *Selection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursor
}

// LastSeen returns the last heartbeat time.
func (p *Participant) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

// Active reports whether the participant is within the heartbeat timeout.
func (p *Participant) Active() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

func (p *Participant) markInactive() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
}

// discardEphemeral drops presence state that never survives removal. The
// causal edit history is unaffected.
func (p *Participant) discardEphemeral() {
	p.mu.Lock()
	p.cursor = nil
	p.mu.Unlock()
}
