// Package comment anchors threaded discussions to document offsets. Anchors
// ride the same transform rules as edit operations (projected forward as
// zero-length inserts) so they track their intended location as the document
// evolves. Comment mutation never enters the document's causal stream; each
// thread keeps its own version counter.
package comment

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ronospace/lingosphere-collab/internal/engine"
	"github.com/ronospace/lingosphere-collab/internal/ot"
)

var ErrThreadNotFound = errors.New("comment thread not found")

// Anchor pins a thread to an offset range relative to a document version.
type Anchor struct {
	Start  int              `json:"start"`
	End    int              `json:"end"`
	Vector ot.VersionVector `json:"versionVector"`
}

// Reply is one message in a thread.
type Reply struct {
	ID        uuid.UUID        `json:"id"`
	Author    ot.ParticipantID `json:"author"`
	Body      string           `json:"body"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Thread is an anchored comment discussion.
type Thread struct {
	ID         uuid.UUID        `json:"id"`
	DocID      string           `json:"docId"`
	Author     ot.ParticipantID `json:"author"`
	Anchor     Anchor           `json:"anchor"`
	Replies    []Reply          `json:"replies"`
	Resolved   bool             `json:"resolved"`
	ResolvedAt *time.Time       `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	// Version counts mutations of this thread, independent of the edit
	// stream.
	Version uint64 `json:"version"`
}

// Manager owns every thread of every document.
type Manager struct {
	mu      sync.RWMutex
	threads map[string]map[uuid.UUID]*Thread
}

func NewManager() *Manager {
	return &Manager{threads: make(map[string]map[uuid.UUID]*Thread)}
}

// Create opens a thread anchored at [start,end) relative to vector, with the
// opening comment as first reply.
func (m *Manager) Create(docID string, author ot.ParticipantID, start, end int, body string, vector ot.VersionVector) *Thread {
	now := time.Now().UTC()
	t := &Thread{
		ID:     uuid.New(),
		DocID:  docID,
		Author: author,
		Anchor: Anchor{Start: start, End: end, Vector: vector.Clone()},
		Replies: []Reply{{
			ID:        uuid.New(),
			Author:    author,
			Body:      body,
			CreatedAt: now,
		}},
		CreatedAt: now,
		Version:   1,
	}
	m.mu.Lock()
	docThreads, ok := m.threads[docID]
	if !ok {
		docThreads = make(map[uuid.UUID]*Thread)
		m.threads[docID] = docThreads
	}
	docThreads[t.ID] = t
	m.mu.Unlock()
	return t
}

// Reply appends to a thread.
func (m *Manager) Reply(docID string, threadID uuid.UUID, author ot.ParticipantID, body string) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(docID, threadID)
	if err != nil {
		return nil, err
	}
	t.Replies = append(t.Replies, Reply{
		ID:        uuid.New(),
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	t.Version++
	return t, nil
}

// Resolve marks a thread resolved. Idempotent.
func (m *Manager) Resolve(docID string, threadID uuid.UUID) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(docID, threadID)
	if err != nil {
		return nil, err
	}
	if !t.Resolved {
		now := time.Now().UTC()
		t.Resolved = true
		t.ResolvedAt = &now
		t.Version++
	}
	return t, nil
}

// Reopen clears the resolved flag. Idempotent.
func (m *Manager) Reopen(docID string, threadID uuid.UUID) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(docID, threadID)
	if err != nil {
		return nil, err
	}
	if t.Resolved {
		t.Resolved = false
		t.ResolvedAt = nil
		t.Version++
	}
	return t, nil
}

// Threads lists a document's threads, oldest first.
func (m *Manager) Threads(docID string) []*Thread {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Thread, 0, len(m.threads[docID]))
	for _, t := range m.threads[docID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Advance re-projects every anchor of a document through a newly applied
// operation set.
func (m *Manager) Advance(docID string, parts []*ot.Operation, applied ot.VersionVector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads[docID] {
		for _, part := range parts {
			if part.IsNoop() {
				continue
			}
			t.Anchor.Start, t.Anchor.End = ot.TransformRange(t.Anchor.Start, t.Anchor.End, part)
		}
		t.Anchor.Vector = applied.Clone()
	}
}

// BroadcastOperation lets the manager ride the actor's broadcast fan-out to
// keep anchors current. Implements engine.Broadcaster.
func (m *Manager) BroadcastOperation(docID string, parts []*ot.Operation, _ uuid.UUID, applied ot.VersionVector) {
	m.Advance(docID, parts, applied)
}

// NotifyConflict implements engine.Broadcaster; conflicts do not move
// anchors.
func (m *Manager) NotifyConflict(string, *engine.Conflict) {}

func (m *Manager) lookup(docID string, threadID uuid.UUID) (*Thread, error) {
	t, ok := m.threads[docID][threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return t, nil
}
