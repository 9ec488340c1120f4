package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ronospace/lingosphere-collab/internal/auth"
	"github.com/ronospace/lingosphere-collab/internal/engine"
	"github.com/ronospace/lingosphere-collab/internal/ot"
	"github.com/ronospace/lingosphere-collab/internal/store"
)

var (
	// ErrSessionNotFound is returned for operations on a document with no
	// active session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotJoined is returned when a participant acts on a session they
	// have not joined.
	ErrNotJoined = errors.New("participant not in session")
	// ErrRegistryClosed is returned once the registry has shut down.
	ErrRegistryClosed = errors.New("registry closed")
)

// Config tunes roster lifecycle timing.
type Config struct {
	// HeartbeatTimeout is the silence after which a participant is marked
	// inactive.
	HeartbeatTimeout time.Duration
	// RemovalGrace is the silence after which an inactive participant is
	// removed and their ephemeral state discarded.
	RemovalGrace time.Duration
	// SweepInterval is how often presence is re-evaluated.
	SweepInterval time.Duration
	// Actor is forwarded to every document actor the registry spawns.
	Actor engine.ActorConfig
}

// DefaultConfig mirrors the documented defaults: 30s heartbeat timeout, 5m
// removal grace.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		RemovalGrace:     5 * time.Minute,
		SweepInterval:    5 * time.Second,
		Actor:            engine.DefaultActorConfig(),
	}
}

// Session is one active document with its roster. The actor owns the
// document content; the session owns only who is present.
type Session struct {
	ID        uuid.UUID
	DocID     string
	CreatedAt time.Time

	mu           sync.RWMutex
	participants map[ot.ParticipantID]*Participant

	actor  *engine.Actor
	cancel context.CancelFunc

	// teardownDeferred marks a session whose last participant left while
	// buffered operations remained; the sweeper retries it.
	teardownDeferred bool
}

// Roster returns a snapshot of the current participants.
func (s *Session) Roster() []*Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	return out
}

// Participant looks up a roster member.
func (s *Session) Participant(id ot.ParticipantID) (*Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	return p, ok
}

// State reports the document state via the actor.
func (s *Session) State() engine.DocumentState {
	return s.actor.State()
}

func (s *Session) add(p *Participant) {
	s.mu.Lock()
	s.participants[p.ID] = p
	s.mu.Unlock()
}

func (s *Session) remove(id ot.ParticipantID) (empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[id]; ok {
		p.discardEphemeral()
		delete(s.participants, id)
	}
	return len(s.participants) == 0
}

func (s *Session) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// Registry maps document IDs to active actors and rosters. Its own lock
// covers only the session map and rosters, never document content, so
// cross-document operations never block each other.
type Registry struct {
	cfg          Config
	store        store.Store
	broadcaster  engine.Broadcaster
	checkpointer engine.Checkpointer
	authz        auth.Authorizer
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	actorCtx    context.Context
	actorCancel context.CancelFunc
}

// NewRegistry wires the registry. authz may be nil, which grants all
// role-permitted actions.
func NewRegistry(cfg Config, st store.Store, b engine.Broadcaster, cp engine.Checkpointer, authz auth.Authorizer, logger *slog.Logger) *Registry {
	if authz == nil {
		authz = auth.AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:          cfg,
		store:        st,
		broadcaster:  b,
		checkpointer: cp,
		authz:        authz,
		logger:       logger.With("component", "session-registry"),
		sessions:     make(map[string]*Session),
		actorCtx:     ctx,
		actorCancel:  cancel,
	}
}

// Run sweeps presence until ctx is cancelled, then tears everything down.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// OpenSession joins a participant to a document, creating the session (and
// loading the persisted snapshot) when they are the first. since is the
// vector the joiner last observed; nil requests a plain snapshot, a non-nil
// vector additionally replays the applied operations it has not seen.
func (r *Registry) OpenSession(ctx context.Context, docID string, p *Participant, since ot.VersionVector) (*Session, *engine.JoinResult, error) {
	s, err := r.ensureSession(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	s.add(p)
	join, err := s.actor.Join(ctx, p.ID, since)
	if err != nil {
		return nil, nil, err
	}
	r.logger.Info("participant joined", "doc", docID, "participant", string(p.ID), "role", string(p.Role))
	return s, join, nil
}

// Session returns the active session for a document.
func (r *Registry) Session(docID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[docID]
	return s, ok
}

// Submit routes an operation to the document's actor after the permission
// gate. Rejections here never enter the causal pipeline.
func (r *Registry) Submit(ctx context.Context, docID string, op *ot.Operation) (*engine.SubmitResult, error) {
	s, ok := r.Session(docID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	p, ok := s.Participant(op.Participant)
	if !ok {
		return nil, ErrNotJoined
	}
	if !p.Role.CanEdit() || !r.authz.HasPermission(string(p.ID), auth.ActionEdit) {
		return nil, engine.ErrPermissionDenied
	}
	p.Touch()
	return s.actor.Submit(ctx, op)
}

// ResolveConflict answers a pending conflict; only owners and reviewers may.
func (r *Registry) ResolveConflict(ctx context.Context, docID string, by ot.ParticipantID, conflictID uuid.UUID, res engine.Resolution) error {
	s, ok := r.Session(docID)
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := s.Participant(by)
	if !ok {
		return ErrNotJoined
	}
	if !p.Role.CanResolve() || !r.authz.HasPermission(string(p.ID), auth.ActionResolve) {
		return engine.ErrPermissionDenied
	}
	res.ResolvedBy = by
	return s.actor.Resolve(ctx, conflictID, res)
}

// SetDocumentState lets an owner lock or unlock the document.
func (r *Registry) SetDocumentState(ctx context.Context, docID string, by ot.ParticipantID, state engine.DocumentState) error {
	s, ok := r.Session(docID)
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := s.Participant(by)
	if !ok {
		return ErrNotJoined
	}
	if !p.Role.CanManage() || !r.authz.HasPermission(string(p.ID), auth.ActionManage) {
		return engine.ErrPermissionDenied
	}
	return s.actor.SetState(ctx, state)
}

// Heartbeat refreshes a participant's presence in every session they are
// part of. Best-effort and idempotent.
func (r *Registry) Heartbeat(id ot.ParticipantID) {
	for _, s := range r.snapshotSessions() {
		if p, ok := s.Participant(id); ok {
			p.Touch()
		}
	}
}

// UpdateCursor records a participant's ephemeral cursor/selection.
func (r *Registry) UpdateCursor(docID string, id ot.ParticipantID, sel *Selection) error {
	s, ok := r.Session(docID)
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := s.Participant(id)
	if !ok {
		return ErrNotJoined
	}
	p.SetCursor(sel)
	p.Touch()
	return nil
}

// CloseParticipant removes a participant from a session, tearing the
// session down when the roster empties and no buffered operations remain.
func (r *Registry) CloseParticipant(ctx context.Context, docID string, id ot.ParticipantID) error {
	s, ok := r.Session(docID)
	if !ok {
		return ErrSessionNotFound
	}
	s.actor.Leave(id)
	if s.remove(id) {
		r.tryTeardown(ctx, s)
	}
	r.logger.Info("participant left", "doc", docID, "participant", string(id))
	return nil
}

// Close tears down every session. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range sessions {
		r.finalCheckpoint(ctx, s)
		s.cancel()
	}
	r.actorCancel()
}

func (r *Registry) ensureSession(ctx context.Context, docID string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[docID]; ok {
		s.teardownDeferred = false
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Load outside the lock; the store may be slow and must never block
	// unrelated sessions.
	snap, err := r.store.LoadSnapshot(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		snap = &store.Snapshot{Vector: ot.VersionVector{}}
	} else if err != nil {
		return nil, err
	}

	actor := engine.NewActor(docID, snap.Text, snap.Vector, r.cfg.Actor, r.broadcaster, r.checkpointer, r.logger)
	actor.OnFatal(r.forceClose)
	actorCtx, cancel := context.WithCancel(r.actorCtx)

	s := &Session{
		ID:           uuid.New(),
		DocID:        docID,
		CreatedAt:    time.Now(),
		participants: make(map[ot.ParticipantID]*Participant),
		actor:        actor,
		cancel:       cancel,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrRegistryClosed
	}
	if existing, ok := r.sessions[docID]; ok {
		// Lost the race to another opener; discard ours.
		r.mu.Unlock()
		cancel()
		return existing, nil
	}
	r.sessions[docID] = s
	r.mu.Unlock()

	go actor.Run(actorCtx)
	r.logger.Info("session opened", "doc", docID, "session", s.ID.String())
	return s, nil
}

// tryTeardown archives a session whose roster is empty. Teardown is deferred
// while causally-buffered operations remain.
func (r *Registry) tryTeardown(ctx context.Context, s *Session) {
	if s.actor.PendingCount() > 0 {
		r.mu.Lock()
		s.teardownDeferred = true
		r.mu.Unlock()
		r.logger.Info("teardown deferred, buffered operations remain", "doc", s.DocID)
		return
	}
	r.mu.Lock()
	if s.size() > 0 {
		// Someone rejoined while we were checking.
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.DocID)
	r.mu.Unlock()

	r.finalCheckpoint(ctx, s)
	s.cancel()
	r.logger.Info("session archived", "doc", s.DocID)
}

// finalCheckpoint writes the authoritative in-memory state down before the
// actor stops.
func (r *Registry) finalCheckpoint(ctx context.Context, s *Session) {
	text, vector, err := s.actor.Text(ctx)
	if err != nil {
		r.logger.Warn("final checkpoint skipped", "doc", s.DocID, "err", err)
		return
	}
	if err := r.store.SaveSnapshot(ctx, s.DocID, &store.Snapshot{Text: text, Vector: vector}); err != nil {
		r.logger.Error("final checkpoint failed", "doc", s.DocID, "err", err)
	}
}

// forceClose is the fatal path: the actor judged its state corrupted, so the
// session is closed and participants must resync from the last checkpoint.
func (r *Registry) forceClose(docID string, cause error) {
	r.mu.Lock()
	s, ok := r.sessions[docID]
	if ok {
		delete(r.sessions, docID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	r.logger.Error("session force-closed", "doc", docID, "err", cause)
}

func (r *Registry) snapshotSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// sweep enforces the presence lifecycle and retries deferred teardowns.
func (r *Registry) sweep(now time.Time) {
	for _, s := range r.snapshotSessions() {
		empty := false
		for _, p := range s.Roster() {
			silence := now.Sub(p.LastSeen())
			switch {
			case silence > r.cfg.RemovalGrace:
				r.logger.Info("removing silent participant", "doc", s.DocID, "participant", string(p.ID))
				s.actor.Leave(p.ID)
				empty = s.remove(p.ID) || empty
			case silence > r.cfg.HeartbeatTimeout && p.Active():
				r.logger.Debug("participant inactive", "doc", s.DocID, "participant", string(p.ID))
				p.markInactive()
			}
		}
		r.mu.Lock()
		deferred := s.teardownDeferred
		r.mu.Unlock()
		if empty || (deferred && s.size() == 0) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.tryTeardown(ctx, s)
			cancel()
		}
	}
}
