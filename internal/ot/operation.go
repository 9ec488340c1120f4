package ot

import (
	"fmt"

	"github.com/google/uuid"
)

// OpKind distinguishes the two edit primitives.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Operation is the atomic edit unit: an insert or delete at a plain-text
// offset, stamped with the emitting participant's version vector at emission
// time. Operations are immutable once created; transforming one always
// produces a new value so the original survives for the audit trail.
type Operation struct {
	ID          uuid.UUID     `json:"id"`
	DocID       string        `json:"docId"`
	Participant ParticipantID `json:"participantId"`
	Kind        OpKind        `json:"kind"`
	Offset      int           `json:"offset"`
	Text        string        `json:"text,omitempty"`
	Length      int           `json:"length,omitempty"`
	Vector      VersionVector `json:"versionVector"`
	Seq         uint64        `json:"clientSeq"`
}

// NewInsert builds an insert operation. vector is the emitter's vector at
// emission time (before counting this operation); seq is the emitter's
// client-local sequence number for it.
func NewInsert(docID string, p ParticipantID, offset int, text string, vector VersionVector, seq uint64) *Operation {
	return &Operation{
		ID:          uuid.New(),
		DocID:       docID,
		Participant: p,
		Kind:        OpInsert,
		Offset:      offset,
		Text:        text,
		Vector:      vector.Clone(),
		Seq:         seq,
	}
}

// NewDelete builds a delete operation covering [offset, offset+length).
func NewDelete(docID string, p ParticipantID, offset, length int, vector VersionVector, seq uint64) *Operation {
	return &Operation{
		ID:          uuid.New(),
		DocID:       docID,
		Participant: p,
		Kind:        OpDelete,
		Offset:      offset,
		Length:      length,
		Vector:      vector.Clone(),
		Seq:         seq,
	}
}

// Clone returns a copy with an independent version vector.
func (op *Operation) Clone() *Operation {
	out := *op
	out.Vector = op.Vector.Clone()
	return &out
}

// Span returns the half-open offset range the operation affects. Inserts
// occupy a zero-width span at their offset.
func (op *Operation) Span() (start, end int) {
	if op.Kind == OpDelete {
		return op.Offset, op.Offset + op.Length
	}
	return op.Offset, op.Offset
}

// IsNoop reports whether the operation no longer changes the buffer, which
// happens when a delete has been entirely swallowed by a concurrent delete.
func (op *Operation) IsNoop() bool {
	switch op.Kind {
	case OpInsert:
		return len(op.Text) == 0
	case OpDelete:
		return op.Length <= 0
	}
	return true
}

// Apply applies the operation to text and returns the new buffer. Offsets
// that fall outside the buffer are rejected rather than clamped so a bad
// transform can never silently corrupt shared state.
func (op *Operation) Apply(text string) (string, error) {
	switch op.Kind {
	case OpInsert:
		if op.Offset < 0 || op.Offset > len(text) {
			return "", fmt.Errorf("insert offset %d out of bounds (len %d)", op.Offset, len(text))
		}
		return text[:op.Offset] + op.Text + text[op.Offset:], nil
	case OpDelete:
		if op.Offset < 0 || op.Length < 0 || op.Offset+op.Length > len(text) {
			return "", fmt.Errorf("delete range [%d,%d) out of bounds (len %d)", op.Offset, op.Offset+op.Length, len(text))
		}
		return text[:op.Offset] + text[op.Offset+op.Length:], nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// CausallyReady reports whether the operation can be applied against a
// document currently at vector current: it must be the emitter's next
// operation, and every other component it depends on must already have been
// applied.
func CausallyReady(op *Operation, current VersionVector) bool {
	if op.Seq != current.Get(op.Participant)+1 {
		return false
	}
	for p, n := range op.Vector {
		if p == op.Participant {
			continue
		}
		if current.Get(p) < n {
			return false
		}
	}
	return true
}

// Concurrent reports whether two operations are causally concurrent, i.e.
// neither emission vector dominates the other.
func Concurrent(a, b *Operation) bool {
	return a.stamp().Compare(b.stamp()) == OrderConcurrent
}

// stamp is the emission vector including the operation's own sequence
// number, which is what actually distinguishes two ops from the same origin
// state.
func (op *Operation) stamp() VersionVector {
	s := op.Vector.Clone()
	if op.Seq > s[op.Participant] {
		s[op.Participant] = op.Seq
	}
	return s
}
