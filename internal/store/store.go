// Package store persists document snapshots and operation checkpoints. The
// engine treats it as an external collaborator: writes are asynchronous and
// the actor's in-memory log stays authoritative until checkpointed.
package store

import (
	"context"
	"errors"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// ErrNotFound is returned when a document has never been snapshotted.
var ErrNotFound = errors.New("document not found")

// Snapshot is the persisted document state: text plus the version vector it
// corresponds to.
type Snapshot struct {
	Text   string           `json:"text"`
	Vector ot.VersionVector `json:"versionVector"`
}

// Store is the persistence surface the engine consumes.
type Store interface {
	LoadSnapshot(ctx context.Context, docID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, docID string, snap *Snapshot) error
	AppendCheckpoint(ctx context.Context, docID string, op *ot.Operation) error
	Close() error
}
