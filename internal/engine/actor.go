package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// DocumentState is the lifecycle state of a document session.
type DocumentState string

const (
	StateIdle       DocumentState = "idle"
	StateEditing    DocumentState = "editing"
	StateReviewing  DocumentState = "reviewing"
	StateLocked     DocumentState = "locked"
	StateConflicted DocumentState = "conflicted"
	StateSyncing    DocumentState = "syncing"
)

// Broadcaster fans an applied operation out to every participant except the
// originator. Implementations must not block the actor loop.
type Broadcaster interface {
	BroadcastOperation(docID string, parts []*ot.Operation, originalID uuid.UUID, applied ot.VersionVector)
	NotifyConflict(docID string, c *Conflict)
}

// Checkpointer persists applied operations asynchronously. The actor never
// blocks on it; the in-memory log stays authoritative until checkpointed.
type Checkpointer interface {
	Enqueue(docID string, op *ot.Operation, text string, vector ot.VersionVector)
}

// ActorConfig carries the tunables of a document actor.
type ActorConfig struct {
	// CausalWait bounds how long a causally-unready operation is buffered
	// before it is rejected with ErrCausalTimeout.
	CausalWait time.Duration
	// SweepInterval is how often buffered-operation deadlines are checked.
	SweepInterval time.Duration
	// AutoResolveHigh lets high-severity conflicts resolve by the engine
	// tie-break instead of requiring an explicit resolution.
	AutoResolveHigh bool
	// HighOverlapFraction is forwarded to the conflict detector.
	HighOverlapFraction float64
}

// maxHeldOps bounds the queue of operations waiting behind a pending
// conflict; beyond it new submits are rejected instead of held.
const maxHeldOps = 256

// DefaultActorConfig mirrors the documented defaults: 10s causal wait.
func DefaultActorConfig() ActorConfig {
	return ActorConfig{
		CausalWait:          10 * time.Second,
		SweepInterval:       time.Second,
		AutoResolveHigh:     false,
		HighOverlapFraction: 0.5,
	}
}

// SubmitResult is returned to a submitting participant once their operation
// has been transformed and applied.
type SubmitResult struct {
	// Parts is the transformed operation set that was actually applied, in
	// document coordinates. Empty for an idempotent re-delivery or when the
	// operation lost a conflict resolution.
	Parts []*ot.Operation
	// Vector is the document version vector after application.
	Vector ot.VersionVector
	// Conflict is set when the application was flagged, whether it was
	// auto-resolved or held.
	Conflict *Conflict
	// Duplicate marks an already-applied operation ID.
	Duplicate bool
}

// JoinResult carries the catch-up state handed to a joining participant.
type JoinResult struct {
	Text   string
	Vector ot.VersionVector
	// Missed is every applied operation (in its applied form) the joiner's
	// reported vector has not observed, in local application order.
	Missed []*ot.Operation
}

// appliedEntry is one slot of the applied-operations log: the original
// operation for causal bookkeeping and the transformed parts that actually
// mutated the buffer.
type appliedEntry struct {
	orig  *ot.Operation
	parts []*ot.Operation
}

type pendingOp struct {
	op       *ot.Operation
	reply    chan submitReply
	deadline time.Time
}

type submitReply struct {
	res *SubmitResult
	err error
}

type actorMsg struct {
	op        *ot.Operation      // submit
	join      *joinReq           // join
	leave     ot.ParticipantID   // leave
	resolve   *resolveReq        // conflict resolution
	setState  *DocumentState     // owner-driven lock/review transitions
	pendingCh chan int           // buffered-op count query
	stateCh   chan DocumentState // state query
	reply     chan submitReply
}

type joinReq struct {
	participant ot.ParticipantID
	since       ot.VersionVector
	reply       chan JoinResult
}

type resolveReq struct {
	conflictID uuid.UUID
	resolution Resolution
	reply      chan error
}

// Actor is the single-threaded serializer for one document. It exclusively
// owns the text buffer, version vector and applied-operations log; every
// mutation goes through its mailbox.
type Actor struct {
	docID    string
	cfg      ActorConfig
	detector *Detector

	text      string
	vector    ot.VersionVector
	state     DocumentState
	log       []appliedEntry
	appliedID map[uuid.UUID]bool

	pending   []pendingOp // causally-unready, waiting for gaps to close
	held      []pendingOp // queued behind a pending high-severity conflict
	conflicts map[uuid.UUID]*Conflict
	// heldParts stashes the precomputed transform of the operation a
	// pending conflict is holding, so a "held op wins" resolution applies
	// exactly what would have applied.
	heldParts map[uuid.UUID][]*ot.Operation

	broadcaster  Broadcaster
	checkpointer Checkpointer
	onFatal      func(docID string, err error)
	logger       *slog.Logger

	mailbox chan actorMsg
	done    chan struct{}
}

// NewActor builds an actor over a loaded snapshot. Run must be called to
// start the message loop.
func NewActor(docID, text string, vector ot.VersionVector, cfg ActorConfig, b Broadcaster, cp Checkpointer, logger *slog.Logger) *Actor {
	if cfg.CausalWait <= 0 {
		cfg.CausalWait = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	det := NewDetector()
	if cfg.HighOverlapFraction > 0 {
		det.HighOverlapFraction = cfg.HighOverlapFraction
	}
	return &Actor{
		docID:        docID,
		cfg:          cfg,
		detector:     det,
		text:         text,
		vector:       vector.Clone(),
		state:        StateIdle,
		appliedID:    make(map[uuid.UUID]bool),
		conflicts:    make(map[uuid.UUID]*Conflict),
		heldParts:    make(map[uuid.UUID][]*ot.Operation),
		broadcaster:  b,
		checkpointer: cp,
		logger:       logger.With("doc", docID),
		mailbox:      make(chan actorMsg, 64),
		done:         make(chan struct{}),
	}
}

// OnFatal installs the callback invoked when an in-memory invariant is
// breached and the session must be force-closed.
func (a *Actor) OnFatal(fn func(docID string, err error)) { a.onFatal = fn }

// Run processes the mailbox until ctx is cancelled. All state access happens
// on this goroutine.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case msg := <-a.mailbox:
			a.dispatch(msg)
		case <-ticker.C:
			a.expirePending(time.Now())
		}
	}
}

// Submit hands an operation to the actor and waits for the applied result.
// The call suspends while the operation is causally unready and resumes when
// the gap closes, bounded by the configured causal wait.
func (a *Actor) Submit(ctx context.Context, op *ot.Operation) (*SubmitResult, error) {
	reply := make(chan submitReply, 1)
	select {
	case a.mailbox <- actorMsg{op: op, reply: reply}:
	case <-a.done:
		return nil, ErrActorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-a.done:
		return nil, ErrActorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Join returns the current snapshot plus every applied operation the
// joiner's vector has not seen.
func (a *Actor) Join(ctx context.Context, p ot.ParticipantID, since ot.VersionVector) (*JoinResult, error) {
	req := &joinReq{participant: p, since: since, reply: make(chan JoinResult, 1)}
	select {
	case a.mailbox <- actorMsg{join: req}:
	case <-a.done:
		return nil, ErrActorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return &res, nil
	case <-a.done:
		return nil, ErrActorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Leave informs the actor a participant is gone. Best-effort.
func (a *Actor) Leave(p ot.ParticipantID) {
	select {
	case a.mailbox <- actorMsg{leave: p}:
	case <-a.done:
	}
}

// Resolve answers a pending conflict.
func (a *Actor) Resolve(ctx context.Context, conflictID uuid.UUID, res Resolution) error {
	req := &resolveReq{conflictID: conflictID, resolution: res, reply: make(chan error, 1)}
	select {
	case a.mailbox <- actorMsg{resolve: req}:
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetState requests an owner-driven transition (locked, reviewing, back to
// editing). Conflicted and syncing are engine-owned and cannot be forced.
func (a *Actor) SetState(ctx context.Context, s DocumentState) error {
	if s == StateConflicted || s == StateSyncing {
		return ErrInvalidOperation
	}
	select {
	case a.mailbox <- actorMsg{setState: &s}:
		return nil
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingCount reports how many buffered or held operations remain. The
// registry uses it to decide whether teardown is safe.
func (a *Actor) PendingCount() int {
	ch := make(chan int, 1)
	select {
	case a.mailbox <- actorMsg{pendingCh: ch}:
	case <-a.done:
		return 0
	}
	select {
	case n := <-ch:
		return n
	case <-a.done:
		return 0
	}
}

// State reports the current document state.
func (a *Actor) State() DocumentState {
	ch := make(chan DocumentState, 1)
	select {
	case a.mailbox <- actorMsg{stateCh: ch}:
	case <-a.done:
		return StateIdle
	}
	select {
	case s := <-ch:
		return s
	case <-a.done:
		return StateIdle
	}
}

// Text returns the buffer and vector via the actor loop, for tests and the
// registry's final checkpoint.
func (a *Actor) Text(ctx context.Context) (string, ot.VersionVector, error) {
	res, err := a.Join(ctx, "", nil)
	if err != nil {
		return "", nil, err
	}
	return res.Text, res.Vector, nil
}

// Stopped reports whether the actor loop has exited.
func (a *Actor) Stopped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Actor) dispatch(msg actorMsg) {
	switch {
	case msg.op != nil:
		a.handleSubmit(pendingOp{op: msg.op, reply: msg.reply, deadline: time.Now().Add(a.cfg.CausalWait)})
		a.pumpPending()
	case msg.join != nil:
		msg.join.reply <- a.snapshot(msg.join.since)
	case msg.leave != "":
		// Presence is owned by the registry; the actor only logs churn.
		a.logger.Debug("participant left", "participant", string(msg.leave))
	case msg.resolve != nil:
		msg.resolve.reply <- a.handleResolve(msg.resolve.conflictID, msg.resolve.resolution)
		a.pumpPending()
	case msg.setState != nil:
		a.logger.Info("state transition", "from", string(a.state), "to", string(*msg.setState))
		a.state = *msg.setState
		a.pumpPending()
	case msg.pendingCh != nil:
		msg.pendingCh <- len(a.pending) + len(a.held)
	case msg.stateCh != nil:
		msg.stateCh <- a.state
	}
}

func (a *Actor) handleSubmit(p pendingOp) {
	op := p.op
	if a.appliedID[op.ID] {
		p.reply <- submitReply{res: &SubmitResult{Vector: a.vector.Clone(), Duplicate: true}}
		return
	}
	if a.state == StateLocked {
		p.reply <- submitReply{err: ErrDocumentLocked}
		return
	}
	if a.state == StateConflicted {
		if len(a.held) >= maxHeldOps {
			p.reply <- submitReply{err: ErrConflictPending}
			return
		}
		a.held = append(a.held, p)
		return
	}
	if !ot.CausallyReady(op, a.vector) {
		a.logger.Debug("buffering causally-unready operation",
			"op", op.ID.String(), "participant", string(op.Participant), "seq", op.Seq)
		a.pending = append(a.pending, p)
		return
	}
	a.process(p)
}

// process transforms a causally-ready operation against every concurrent
// applied operation, runs conflict detection on the transform inputs, and
// either applies or holds the result.
func (a *Actor) process(p pendingOp) {
	op := p.op
	parts := []*ot.Operation{op.Clone()}
	var conflict *Conflict

	for _, entry := range a.log {
		if !ot.Concurrent(op, entry.orig) {
			continue
		}
		for _, applied := range entry.parts {
			next := make([]*ot.Operation, 0, len(parts))
			for _, part := range parts {
				if kind, sev, ok := a.detector.Detect(part, applied); ok && conflictOutranks(sev, conflict) {
					conflict = newConflict(a.docID, kind, sev, op, entry.orig)
				}
				next = append(next, ot.Transform(part, applied)...)
			}
			parts = next
		}
	}

	if conflict != nil && conflict.Severity == SeverityHigh && !a.cfg.AutoResolveHigh {
		a.conflicts[conflict.ID] = conflict
		a.heldParts[op.ID] = parts
		a.held = append(a.held, p)
		a.state = StateConflicted
		a.logger.Warn("high-severity conflict, holding for resolution",
			"conflict", conflict.ID.String(), "kind", string(conflict.Kind))
		a.broadcaster.NotifyConflict(a.docID, conflict)
		return
	}

	res, err := a.apply(op, parts)
	if err != nil {
		p.reply <- submitReply{err: err}
		return
	}
	if conflict != nil {
		conflict.resolve(ConflictAutoResolved, "", res.Parts)
		a.conflicts[conflict.ID] = conflict
		res.Conflict = conflict
		a.broadcaster.NotifyConflict(a.docID, conflict)
	}
	p.reply <- submitReply{res: res}
}

// apply mutates the buffer, advances the vector, appends to the log,
// broadcasts and checkpoints. The vector-monotonicity invariant is checked
// before any state is published; a breach force-closes the session.
func (a *Actor) apply(op *ot.Operation, parts []*ot.Operation) (*SubmitResult, error) {
	text, err := ot.ApplyAll(parts, a.text)
	if err != nil {
		a.logger.Warn("rejecting operation", "op", op.ID.String(), "err", err)
		return nil, ErrInvalidOperation
	}
	next := a.vector.Merge(op.Vector)
	if next.Get(op.Participant) < op.Seq {
		next[op.Participant] = op.Seq
	}
	if !next.Dominates(a.vector) {
		a.fatal(ErrResyncRequired)
		return nil, ErrResyncRequired
	}
	a.text = text
	a.vector = next
	a.appliedID[op.ID] = true
	a.log = append(a.log, appliedEntry{orig: op, parts: parts})
	if a.state == StateIdle {
		a.state = StateEditing
	}

	applied := a.vector.Clone()
	a.broadcaster.BroadcastOperation(a.docID, parts, op.ID, applied)
	if a.checkpointer != nil {
		a.checkpointer.Enqueue(a.docID, op, a.text, applied)
	}
	return &SubmitResult{Parts: parts, Vector: applied}, nil
}

// pumpPending retries buffered operations until a full scan makes no
// progress; one application can unblock a chain. Runs only from dispatch, so
// it never reenters itself.
func (a *Actor) pumpPending() {
	for progressed := true; progressed; {
		progressed = false
		if a.state == StateConflicted || a.state == StateLocked {
			return
		}
		for i, p := range a.pending {
			if a.appliedID[p.op.ID] || ot.CausallyReady(p.op, a.vector) {
				a.pending = append(a.pending[:i], a.pending[i+1:]...)
				a.pendingReady(p)
				progressed = true
				break
			}
		}
	}
}

func (a *Actor) pendingReady(p pendingOp) {
	if a.appliedID[p.op.ID] {
		p.reply <- submitReply{res: &SubmitResult{Vector: a.vector.Clone(), Duplicate: true}}
		return
	}
	a.process(p)
}

func (a *Actor) expirePending(now time.Time) {
	rest := a.pending[:0]
	for _, p := range a.pending {
		if now.After(p.deadline) {
			a.logger.Warn("causal timeout", "op", p.op.ID.String(), "participant", string(p.op.Participant))
			p.reply <- submitReply{err: ErrCausalTimeout}
			continue
		}
		rest = append(rest, p)
	}
	a.pending = rest
}

func (a *Actor) handleResolve(conflictID uuid.UUID, res Resolution) error {
	c, ok := a.conflicts[conflictID]
	if !ok {
		return ErrUnknownConflict
	}
	if c.Status != ConflictPending {
		return nil // idempotent re-delivery of a resolution
	}

	heldIdx := -1
	for i, h := range a.held {
		if len(c.OperationIDs) > 0 && h.op.ID == c.OperationIDs[0] {
			heldIdx = i
			break
		}
	}

	var held *pendingOp
	var heldTransform []*ot.Operation
	if heldIdx >= 0 {
		h := a.held[heldIdx]
		held = &h
		heldTransform = a.heldParts[h.op.ID]
		a.held = append(a.held[:heldIdx], a.held[heldIdx+1:]...)
		delete(a.heldParts, h.op.ID)
	}

	switch {
	case res.MergeOp != nil:
		// Reviewer-supplied merge replaces the held operation outright.
		parts := []*ot.Operation{res.MergeOp.Clone()}
		result, err := a.apply(res.MergeOp, parts)
		if err != nil {
			if held != nil {
				a.held = append(a.held, *held)
			}
			return err
		}
		c.resolve(ConflictManuallyResolved, res.ResolvedBy, parts)
		a.clearConflict()
		if held != nil {
			a.appliedID[held.op.ID] = true // suppress redelivery of the superseded op
			held.reply <- submitReply{res: &SubmitResult{Vector: result.Vector, Conflict: c}}
		}
	case res.WinnerOpID != nil && held != nil && *res.WinnerOpID == held.op.ID:
		// The held operation's intent wins: apply its precomputed transform.
		parts := heldTransform
		if parts == nil {
			parts = a.conflictParts(held.op)
		}
		result, err := a.apply(held.op, parts)
		if err != nil {
			held.reply <- submitReply{err: err}
			return err
		}
		c.resolve(ConflictManuallyResolved, res.ResolvedBy, parts)
		a.clearConflict()
		result.Conflict = c
		held.reply <- submitReply{res: result}
	default:
		// The already-applied operation wins; the held one is discarded.
		c.resolve(ConflictManuallyResolved, res.ResolvedBy, nil)
		a.clearConflict()
		if held != nil {
			a.appliedID[held.op.ID] = true
			held.reply <- submitReply{res: &SubmitResult{Vector: a.vector.Clone(), Conflict: c}}
		}
	}

	a.broadcaster.NotifyConflict(a.docID, c)
	a.flushHeld()
	return nil
}

// conflictParts recomputes the transform for a held operation when the
// precomputed one is gone.
func (a *Actor) conflictParts(op *ot.Operation) []*ot.Operation {
	var applied []*ot.Operation
	for _, entry := range a.log {
		if ot.Concurrent(op, entry.orig) {
			applied = append(applied, entry.parts...)
		}
	}
	return ot.TransformAll(op, applied)
}

func (a *Actor) clearConflict() {
	if a.state == StateConflicted {
		a.state = StateEditing
	}
}

// flushHeld re-submits operations that queued up behind a conflict.
func (a *Actor) flushHeld() {
	held := a.held
	a.held = nil
	for _, p := range held {
		a.handleSubmit(p)
	}
}

func (a *Actor) snapshot(since ot.VersionVector) JoinResult {
	res := JoinResult{Text: a.text, Vector: a.vector.Clone()}
	if since == nil {
		return res
	}
	for _, entry := range a.log {
		if entry.orig.Seq > since.Get(entry.orig.Participant) {
			res.Missed = append(res.Missed, entry.parts...)
		}
	}
	return res
}

func (a *Actor) fatal(err error) {
	a.logger.Error("invariant breach, closing session", "err", err)
	if a.onFatal != nil {
		go a.onFatal(a.docID, err)
	}
}

// drain fails everything still queued when the loop exits.
func (a *Actor) drain() {
	for _, p := range a.pending {
		p.reply <- submitReply{err: ErrActorStopped}
	}
	for _, p := range a.held {
		p.reply <- submitReply{err: ErrActorStopped}
	}
	a.pending, a.held = nil, nil
}

func conflictOutranks(sev Severity, existing *Conflict) bool {
	if existing == nil {
		return true
	}
	rank := map[Severity]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2}
	return rank[sev] > rank[existing.Severity]
}
