package engine

import (
	"github.com/google/uuid"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// Broadcasters fans actor events out to several consumers (transport,
// comment re-anchoring, metrics) in order.
type Broadcasters []Broadcaster

func (bs Broadcasters) BroadcastOperation(docID string, parts []*ot.Operation, originalID uuid.UUID, applied ot.VersionVector) {
	for _, b := range bs {
		b.BroadcastOperation(docID, parts, originalID, applied)
	}
}

func (bs Broadcasters) NotifyConflict(docID string, c *Conflict) {
	for _, b := range bs {
		b.NotifyConflict(docID, c)
	}
}
