package ot

// Transform rewrites op a to account for concurrent op b having already been
// applied, preserving a's intent (TP1) and guaranteeing convergence (TP2):
// apply(b, transform(a,b)) and apply(a, transform(b,a)) yield the same text.
//
// The result is a list because a delete concurrent with an insert landing
// inside its range splits into two sub-deletes around the inserted text (the
// insert is preserved, not swallowed). All returned operations are expressed
// in the coordinates of the post-b document; multi-part results must be
// applied in descending offset order (see ApplyAll). Most transforms return
// a single operation; a fully swallowed delete returns a zero-length noop
// kept for the audit trail.
func Transform(a, b *Operation) []*Operation {
	out := a.Clone()
	switch {
	case a.Kind == OpInsert && b.Kind == OpInsert:
		transformInsertInsert(out, b)
	case a.Kind == OpInsert && b.Kind == OpDelete:
		transformInsertDelete(out, b)
	case a.Kind == OpDelete && b.Kind == OpInsert:
		return transformDeleteInsert(out, b)
	case a.Kind == OpDelete && b.Kind == OpDelete:
		transformDeleteDelete(out, b)
	}
	return []*Operation{out}
}

// TransformAll folds a through every operation in applied, carrying splits
// forward. applied must hold each operation in the form that actually
// mutated the document (post-transform coordinates), in local application
// order.
func TransformAll(a *Operation, applied []*Operation) []*Operation {
	parts := []*Operation{a.Clone()}
	for _, b := range applied {
		next := make([]*Operation, 0, len(parts))
		for _, part := range parts {
			next = append(next, Transform(part, b)...)
		}
		parts = next
	}
	return parts
}

// ApplyAll applies a (possibly multi-part) transformed result to text.
// Parts are applied in descending offset order so earlier offsets stay
// valid while later ranges are removed.
func ApplyAll(parts []*Operation, text string) (string, error) {
	ordered := make([]*Operation, len(parts))
	copy(ordered, parts)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Offset > ordered[j-1].Offset; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	var err error
	for _, part := range ordered {
		if part.IsNoop() {
			continue
		}
		if text, err = part.Apply(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

// insert vs insert: the earlier offset wins; equal offsets fall back to the
// participant-ID tie-break, applied identically by every replica so all
// converge. The lower ID's insert is considered to have happened first.
func transformInsertInsert(a, b *Operation) {
	if b.Offset < a.Offset || (b.Offset == a.Offset && b.Participant < a.Participant) {
		a.Offset += len(b.Text)
	}
}

// insert vs delete: shift left by however much of b's deleted range precedes
// the insertion point. An insert inside the deleted range collapses onto the
// range start.
func transformInsertDelete(a, b *Operation) {
	start, end := b.Span()
	if start >= a.Offset {
		return
	}
	overlap := min(end, a.Offset) - start
	a.Offset -= overlap
}

// delete vs insert: an insert at or before the range shifts it right; an
// insert strictly inside the range splits the delete into two sub-deletes
// around the inserted text.
func transformDeleteInsert(a, b *Operation) []*Operation {
	start, end := a.Span()
	grown := len(b.Text)
	switch {
	case b.Offset <= start:
		a.Offset += grown
		return []*Operation{a}
	case b.Offset >= end:
		return []*Operation{a}
	default:
		left := a.Clone()
		left.Length = b.Offset - start
		right := a.Clone()
		right.Offset = b.Offset + grown
		right.Length = end - b.Offset
		return []*Operation{left, right}
	}
}

// delete vs delete: shrink by the overlap so nothing is double-deleted, and
// shift left by the portion of b's range that precedes a's start.
func transformDeleteDelete(a, b *Operation) {
	s1, e1 := a.Span()
	s2, e2 := b.Span()
	overlap := min(e1, e2) - max(s1, s2)
	if overlap > 0 {
		a.Length -= overlap
	}
	preceding := min(s1, e2) - s2
	if preceding > 0 {
		a.Offset -= preceding
	}
	if a.Length < 0 {
		a.Length = 0
	}
}

// TransformOffset projects a bare document offset (a cursor or comment
// anchor, treated as a zero-length insert) forward through an applied
// operation.
func TransformOffset(offset int, b *Operation) int {
	switch b.Kind {
	case OpInsert:
		if b.Offset <= offset {
			return offset + len(b.Text)
		}
	case OpDelete:
		start, end := b.Span()
		if start < offset {
			offset -= min(end, offset) - start
		}
	}
	return offset
}

// TransformRange projects an offset range forward through an applied
// operation.
func TransformRange(start, end int, b *Operation) (int, int) {
	return TransformOffset(start, b), TransformOffset(end, b)
}
