// Package ot implements the operational-transform core of the collaboration
// engine: version vectors for causal ordering, immutable edit operations,
// and the transform rules that let concurrent edits converge.
package ot

// ParticipantID identifies a collaborator within a document session.
type ParticipantID string

// VersionVector maps each participant to the number of operations of theirs
// that have been observed. It expresses causal happened-before relationships
// without a global clock.
type VersionVector map[ParticipantID]uint64

// Ordering is the result of comparing two version vectors.
type Ordering int

const (
	OrderEqual Ordering = iota
	OrderBefore
	OrderAfter
	OrderConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderBefore:
		return "before"
	case OrderAfter:
		return "after"
	default:
		return "concurrent"
	}
}

// Clone returns a deep copy. A nil vector clones to an empty, usable one.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for p, n := range v {
		out[p] = n
	}
	return out
}

// Get returns the counter for a participant, zero if absent.
func (v VersionVector) Get(p ParticipantID) uint64 {
	return v[p]
}

// Increment returns a new vector with the participant's component advanced by
// one. The receiver is never mutated.
func (v VersionVector) Increment(p ParticipantID) VersionVector {
	out := v.Clone()
	out[p]++
	return out
}

// Merge returns the elementwise maximum of the two vectors.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	out := v.Clone()
	for p, n := range other {
		if n > out[p] {
			out[p] = n
		}
	}
	return out
}

// Dominates reports whether every component of other is <= the corresponding
// component of v.
func (v VersionVector) Dominates(other VersionVector) bool {
	for p, n := range other {
		if v[p] < n {
			return false
		}
	}
	return true
}

// Compare partially orders two vectors. Two vectors are concurrent iff
// neither dominates the other component-wise.
func (v VersionVector) Compare(other VersionVector) Ordering {
	vDom := v.Dominates(other)
	oDom := other.Dominates(v)
	switch {
	case vDom && oDom:
		return OrderEqual
	case oDom:
		return OrderBefore
	case vDom:
		return OrderAfter
	default:
		return OrderConcurrent
	}
}
