package engine

import "errors"

// Engine error taxonomy. All of these are returned to the submitting
// participant only; none of them ever leaves shared document state modified.
var (
	// ErrInvalidOperation marks an operation whose offsets fall outside the
	// document after transformation. It is rejected to the sender and never
	// applied.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrCausalTimeout marks an operation whose causal prerequisites never
	// arrived within the configured wait. The sender must resubmit against
	// a fresh snapshot.
	ErrCausalTimeout = errors.New("causal prerequisites not satisfied in time")

	// ErrPermissionDenied is returned before an operation enters the causal
	// pipeline when the participant's role lacks the capability.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflictPending is returned when a caller gives up waiting while
	// the document is held for manual conflict resolution.
	ErrConflictPending = errors.New("document awaiting conflict resolution")

	// ErrDocumentLocked is returned while the document is locked by its
	// owner.
	ErrDocumentLocked = errors.New("document locked")

	// ErrPersistenceLag marks a failed checkpoint write. Live editing
	// continues; the in-memory log stays authoritative until the retry
	// succeeds.
	ErrPersistenceLag = errors.New("checkpoint persistence lagging")

	// ErrResyncRequired is fatal for a session: an in-memory invariant was
	// breached and participants must resynchronize from the last persisted
	// checkpoint.
	ErrResyncRequired = errors.New("document state corrupted, resync required")

	// ErrActorStopped is returned for messages sent to an actor that has
	// already shut down.
	ErrActorStopped = errors.New("document actor stopped")

	// ErrUnknownConflict is returned for a resolution targeting a conflict
	// the actor does not hold.
	ErrUnknownConflict = errors.New("unknown conflict")
)
