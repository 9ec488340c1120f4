package comment

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

func TestThreadLifecycle(t *testing.T) {
	m := NewManager()

	th := m.Create("doc-1", "alice", 4, 9, "is this the right tense?", ot.VersionVector{"alice": 2})
	assert.Equal(t, uint64(1), th.Version)
	require.Len(t, th.Replies, 1)

	_, err := m.Reply("doc-1", th.ID, "bob", "yes, keep it")
	require.NoError(t, err)

	got, err := m.Resolve("doc-1", th.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, uint64(3), got.Version)

	// resolving again does not bump the version
	got, err = m.Resolve("doc-1", th.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)

	got, err = m.Reopen("doc-1", th.ID)
	require.NoError(t, err)
	assert.False(t, got.Resolved)
	assert.Nil(t, got.ResolvedAt)

	_, err = m.Reply("doc-1", uuid.New(), "bob", "lost")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestAnchorTracksInsertBefore(t *testing.T) {
	m := NewManager()
	th := m.Create("doc-1", "alice", 6, 11, "check this word", ot.VersionVector{})

	// an insert before the anchor shifts it right
	ins := ot.NewInsert("doc-1", "bob", 0, ">>> ", ot.VersionVector{}, 1)
	m.Advance("doc-1", []*ot.Operation{ins}, ot.VersionVector{"bob": 1})

	got := m.Threads("doc-1")[0]
	assert.Equal(t, 10, got.Anchor.Start)
	assert.Equal(t, 15, got.Anchor.End)
	assert.Equal(t, ot.VersionVector{"bob": 1}, got.Anchor.Vector)
	assert.Equal(t, th.ID, got.ID)
}

func TestAnchorTracksDeleteAcrossRange(t *testing.T) {
	m := NewManager()
	m.Create("doc-1", "alice", 6, 11, "note", ot.VersionVector{})

	// deleting [2,8) swallows the anchor start: it clamps to the delete
	// start while the end shifts left by the removed prefix
	del := ot.NewDelete("doc-1", "bob", 2, 6, ot.VersionVector{}, 1)
	m.Advance("doc-1", []*ot.Operation{del}, ot.VersionVector{"bob": 1})

	got := m.Threads("doc-1")[0]
	assert.Equal(t, 2, got.Anchor.Start)
	assert.Equal(t, 5, got.Anchor.End)
}

func TestAnchorIgnoresEditsAfter(t *testing.T) {
	m := NewManager()
	m.Create("doc-1", "alice", 2, 4, "note", ot.VersionVector{})

	ins := ot.NewInsert("doc-1", "bob", 9, "tail", ot.VersionVector{}, 1)
	m.Advance("doc-1", []*ot.Operation{ins}, ot.VersionVector{"bob": 1})

	got := m.Threads("doc-1")[0]
	assert.Equal(t, 2, got.Anchor.Start)
	assert.Equal(t, 4, got.Anchor.End)
}
