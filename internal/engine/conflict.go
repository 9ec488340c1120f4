package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// Severity classifies how much a conflict threatens user intent.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ConflictKind names the overlap pattern that triggered the conflict.
type ConflictKind string

const (
	ConflictAdjacentInsert     ConflictKind = "adjacent-insert"
	ConflictInsertInsideDelete ConflictKind = "insert-inside-delete"
	ConflictOverlappingDelete  ConflictKind = "overlapping-delete"
)

// ConflictStatus tracks the resolution lifecycle of a conflict record.
type ConflictStatus string

const (
	ConflictPending          ConflictStatus = "pending"
	ConflictAutoResolved     ConflictStatus = "auto-resolved"
	ConflictManuallyResolved ConflictStatus = "manually-resolved"
)

// Conflict records a set of concurrent operations whose offset ranges
// overlap in a way that changes user intent, and how it was resolved.
type Conflict struct {
	ID           uuid.UUID        `json:"conflictId"`
	DocID        string           `json:"sessionId"`
	OperationIDs []uuid.UUID      `json:"conflictingOperationIds"`
	Kind         ConflictKind     `json:"type"`
	Severity     Severity         `json:"severity"`
	Status       ConflictStatus   `json:"status"`
	DetectedAt   time.Time        `json:"detectedAt"`
	ResolvedAt   *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy   ot.ParticipantID `json:"resolvedBy,omitempty"`

	// Resolution holds the transformed operation set that was chosen once
	// the conflict is no longer pending.
	Resolution []*ot.Operation `json:"resolution,omitempty"`
}

// Resolution is the explicit answer to a high-severity conflict: either one
// operation's intent wins outright, or a reviewer supplies a replacement
// merge operation authored against the current document state.
type Resolution struct {
	WinnerOpID *uuid.UUID       `json:"winnerOperationId,omitempty"`
	MergeOp    *ot.Operation    `json:"mergeOperation,omitempty"`
	ResolvedBy ot.ParticipantID `json:"resolvedBy"`
}

// Detector flags pairs of concurrent operations whose ranges overlap.
type Detector struct {
	// HighOverlapFraction is the fraction of either delete range beyond
	// which an overlapping-delete pair is classified high severity.
	HighOverlapFraction float64
}

// NewDetector returns a detector with the default 50% high-severity
// threshold.
func NewDetector() *Detector {
	return &Detector{HighOverlapFraction: 0.5}
}

// Detect inspects one concurrent pair and reports the conflict kind and
// severity, if any. incoming is in post-transform coordinates of the pair's
// shared origin; applied is the already-applied operation.
func (d *Detector) Detect(incoming, applied *ot.Operation) (ConflictKind, Severity, bool) {
	switch {
	case incoming.Kind == ot.OpInsert && applied.Kind == ot.OpInsert:
		if incoming.Offset == applied.Offset {
			return ConflictAdjacentInsert, SeverityLow, true
		}
	case incoming.Kind == ot.OpInsert && applied.Kind == ot.OpDelete:
		if inside(incoming.Offset, applied) {
			return ConflictInsertInsideDelete, SeverityMedium, true
		}
	case incoming.Kind == ot.OpDelete && applied.Kind == ot.OpInsert:
		if inside(applied.Offset, incoming) {
			return ConflictInsertInsideDelete, SeverityMedium, true
		}
	case incoming.Kind == ot.OpDelete && applied.Kind == ot.OpDelete:
		if overlap := rangeOverlap(incoming, applied); overlap > 0 {
			return ConflictOverlappingDelete, d.deleteSeverity(overlap, incoming, applied), true
		}
	}
	return "", "", false
}

func (d *Detector) deleteSeverity(overlap int, a, b *ot.Operation) Severity {
	shorter := min(a.Length, b.Length)
	if shorter > 0 && float64(overlap) > d.HighOverlapFraction*float64(shorter) {
		return SeverityHigh
	}
	return SeverityMedium
}

func inside(offset int, del *ot.Operation) bool {
	start, end := del.Span()
	return offset > start && offset < end
}

func rangeOverlap(a, b *ot.Operation) int {
	s1, e1 := a.Span()
	s2, e2 := b.Span()
	return min(e1, e2) - max(s1, s2)
}

func newConflict(docID string, kind ConflictKind, sev Severity, ops ...*ot.Operation) *Conflict {
	ids := make([]uuid.UUID, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return &Conflict{
		ID:           uuid.New(),
		DocID:        docID,
		OperationIDs: ids,
		Kind:         kind,
		Severity:     sev,
		Status:       ConflictPending,
		DetectedAt:   time.Now().UTC(),
	}
}

func (c *Conflict) resolve(status ConflictStatus, by ot.ParticipantID, chosen []*ot.Operation) {
	now := time.Now().UTC()
	c.Status = status
	c.ResolvedAt = &now
	c.ResolvedBy = by
	c.Resolution = chosen
}
