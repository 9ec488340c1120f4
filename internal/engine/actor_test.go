package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

type recordingBroadcaster struct {
	mu        sync.Mutex
	ops       []uuid.UUID // original IDs, in broadcast order
	conflicts []*Conflict
}

func (r *recordingBroadcaster) BroadcastOperation(docID string, parts []*ot.Operation, originalID uuid.UUID, applied ot.VersionVector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, originalID)
}

func (r *recordingBroadcaster) NotifyConflict(docID string, c *Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, c)
}

func (r *recordingBroadcaster) lastConflict() *Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conflicts) == 0 {
		return nil
	}
	return r.conflicts[len(r.conflicts)-1]
}

type recordingCheckpointer struct {
	mu    sync.Mutex
	count int
}

func (r *recordingCheckpointer) Enqueue(docID string, op *ot.Operation, text string, vector ot.VersionVector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func startActor(t *testing.T, text string, cfg ActorConfig) (*Actor, *recordingBroadcaster, context.CancelFunc) {
	t.Helper()
	b := &recordingBroadcaster{}
	a := NewActor("doc-1", text, ot.VersionVector{}, cfg, b, &recordingCheckpointer{}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(cancel)
	return a, b, cancel
}

func testConfig() ActorConfig {
	cfg := DefaultActorConfig()
	cfg.CausalWait = 200 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	return cfg
}

func TestSubmitAppliesAndBroadcasts(t *testing.T) {
	a, b, _ := startActor(t, "", testConfig())
	ctx := context.Background()

	op := ot.NewInsert("doc-1", "alice", 0, "hola", ot.VersionVector{}, 1)
	res, err := a.Submit(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, ot.VersionVector{"alice": 1}, res.Vector)

	text, vector, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hola", text)
	assert.Equal(t, ot.VersionVector{"alice": 1}, vector)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.ops, 1)
	assert.Equal(t, op.ID, b.ops[0], "broadcast carries the original operation ID")
}

func TestIdempotentReplay(t *testing.T) {
	a, _, _ := startActor(t, "", testConfig())
	ctx := context.Background()

	op := ot.NewInsert("doc-1", "alice", 0, "x", ot.VersionVector{}, 1)
	_, err := a.Submit(ctx, op)
	require.NoError(t, err)

	res, err := a.Submit(ctx, op)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.Parts)

	text, _, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", text, "re-delivery must be a no-op")
}

func TestCausalBufferingResumesWhenGapCloses(t *testing.T) {
	a, _, _ := startActor(t, "", testConfig())
	ctx := context.Background()

	first := ot.NewInsert("doc-1", "alice", 0, "ab", ot.VersionVector{}, 1)
	second := ot.NewInsert("doc-1", "alice", 2, "cd", ot.VersionVector{"alice": 1}, 2)

	// Deliver out of order: the seq-2 op must suspend until seq 1 arrives.
	done := make(chan error, 1)
	go func() {
		_, err := a.Submit(ctx, second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, a.PendingCount())

	_, err := a.Submit(ctx, first)
	require.NoError(t, err)
	require.NoError(t, <-done)

	text, vector, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abcd", text)
	assert.Equal(t, ot.VersionVector{"alice": 2}, vector)
}

func TestCausalTimeout(t *testing.T) {
	a, _, _ := startActor(t, "", testConfig())
	ctx := context.Background()

	// seq 2 whose predecessor never arrives
	orphan := ot.NewInsert("doc-1", "alice", 0, "x", ot.VersionVector{"alice": 1}, 2)
	_, err := a.Submit(ctx, orphan)
	assert.ErrorIs(t, err, ErrCausalTimeout)
}

func TestConcurrentInsertTieBreakThroughActor(t *testing.T) {
	a, _, _ := startActor(t, "", testConfig())
	ctx := context.Background()

	// Both emitted against the empty origin state.
	opA := ot.NewInsert("doc-1", "alice", 0, "cat", ot.VersionVector{}, 1)
	opB := ot.NewInsert("doc-1", "bob", 0, "dog", ot.VersionVector{}, 1)

	_, err := a.Submit(ctx, opA)
	require.NoError(t, err)
	res, err := a.Submit(ctx, opB)
	require.NoError(t, err)
	require.Len(t, res.Parts, 1)
	assert.Equal(t, 3, res.Parts[0].Offset, "bob's insert shifts behind alice's")

	text, _, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "catdog", text)
}

func TestHighSeverityConflictHeldAndResolvedForHeldOp(t *testing.T) {
	a, b, _ := startActor(t, "abcdef", testConfig())
	ctx := context.Background()

	del1 := ot.NewDelete("doc-1", "alice", 1, 3, ot.VersionVector{}, 1) // "bcd"
	del2 := ot.NewDelete("doc-1", "bob", 2, 3, ot.VersionVector{}, 1)   // "cde", overlap 2 of 3

	_, err := a.Submit(ctx, del1)
	require.NoError(t, err)

	type outcome struct {
		res *SubmitResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.Submit(ctx, del2)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return a.State() == StateConflicted }, time.Second, 10*time.Millisecond)
	c := b.lastConflict()
	require.NotNil(t, c)
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Equal(t, ConflictOverlappingDelete, c.Kind)
	assert.Equal(t, ConflictPending, c.Status)

	require.NoError(t, a.Resolve(ctx, c.ID, Resolution{WinnerOpID: &del2.ID, ResolvedBy: "carol"}))
	got := <-done
	require.NoError(t, got.err)
	require.NotNil(t, got.res.Conflict)
	assert.Equal(t, ConflictManuallyResolved, got.res.Conflict.Status)

	text, _, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "af", text, "union of both delete ranges")
	assert.Equal(t, StateEditing, a.State())
}

func TestHighSeverityConflictAppliedOpWins(t *testing.T) {
	a, b, _ := startActor(t, "abcdef", testConfig())
	ctx := context.Background()

	del1 := ot.NewDelete("doc-1", "alice", 1, 3, ot.VersionVector{}, 1)
	del2 := ot.NewDelete("doc-1", "bob", 2, 3, ot.VersionVector{}, 1)

	_, err := a.Submit(ctx, del1)
	require.NoError(t, err)

	type outcome struct {
		res *SubmitResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.Submit(ctx, del2)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return b.lastConflict() != nil }, time.Second, 10*time.Millisecond)
	c := b.lastConflict()

	require.NoError(t, a.Resolve(ctx, c.ID, Resolution{WinnerOpID: &del1.ID, ResolvedBy: "carol"}))
	got := <-done
	require.NoError(t, got.err)
	assert.Empty(t, got.res.Parts, "losing operation is discarded")

	text, _, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "aef", text, "only the first delete took effect")
}

func TestHighSeverityAutoResolve(t *testing.T) {
	cfg := testConfig()
	cfg.AutoResolveHigh = true
	a, _, _ := startActor(t, "abcdef", cfg)
	ctx := context.Background()

	_, err := a.Submit(ctx, ot.NewDelete("doc-1", "alice", 1, 3, ot.VersionVector{}, 1))
	require.NoError(t, err)
	res, err := a.Submit(ctx, ot.NewDelete("doc-1", "bob", 2, 3, ot.VersionVector{}, 1))
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, ConflictAutoResolved, res.Conflict.Status)

	text, _, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "af", text)
}

func TestInvalidOperationRejectedWithoutCorruption(t *testing.T) {
	a, _, _ := startActor(t, "short", testConfig())
	ctx := context.Background()

	bad := ot.NewDelete("doc-1", "alice", 2, 50, ot.VersionVector{}, 1)
	_, err := a.Submit(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	// Shared state untouched; alice's next op is still seq 1.
	text, vector, err := a.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "short", text)
	assert.Equal(t, ot.VersionVector{}, vector)

	ok := ot.NewInsert("doc-1", "alice", 5, "!", ot.VersionVector{}, 1)
	_, err = a.Submit(ctx, ok)
	require.NoError(t, err)
}

func TestLockedDocumentRejectsSubmits(t *testing.T) {
	a, _, _ := startActor(t, "", testConfig())
	ctx := context.Background()

	require.NoError(t, a.SetState(ctx, StateLocked))
	_, err := a.Submit(ctx, ot.NewInsert("doc-1", "alice", 0, "x", ot.VersionVector{}, 1))
	assert.ErrorIs(t, err, ErrDocumentLocked)

	require.NoError(t, a.SetState(ctx, StateEditing))
	_, err = a.Submit(ctx, ot.NewInsert("doc-1", "alice", 0, "x", ot.VersionVector{}, 1))
	require.NoError(t, err)
}

func TestJoinCatchUp(t *testing.T) {
	a, _, _ := startActor(t, "", testConfig())
	ctx := context.Background()

	_, err := a.Submit(ctx, ot.NewInsert("doc-1", "alice", 0, "one ", ot.VersionVector{}, 1))
	require.NoError(t, err)
	_, err = a.Submit(ctx, ot.NewInsert("doc-1", "alice", 4, "two", ot.VersionVector{"alice": 1}, 2))
	require.NoError(t, err)

	// A joiner who saw only alice's first op gets the second replayed.
	res, err := a.Join(ctx, "bob", ot.VersionVector{"alice": 1})
	require.NoError(t, err)
	assert.Equal(t, "one two", res.Text)
	require.Len(t, res.Missed, 1)
	assert.Equal(t, uint64(2), res.Missed[0].Seq)
}

func TestActorStopDrainsBufferedOps(t *testing.T) {
	cfg := testConfig()
	cfg.CausalWait = 5 * time.Second
	a, _, cancel := startActor(t, "", cfg)
	ctx := context.Background()

	orphan := ot.NewInsert("doc-1", "alice", 0, "x", ot.VersionVector{"alice": 5}, 6)
	done := make(chan error, 1)
	go func() {
		_, err := a.Submit(ctx, orphan)
		done <- err
	}()
	require.Eventually(t, func() bool { return a.PendingCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, ErrActorStopped)
}
