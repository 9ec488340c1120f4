package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ronospace/lingosphere-collab/internal/auth"
	"github.com/ronospace/lingosphere-collab/internal/comment"
	"github.com/ronospace/lingosphere-collab/internal/engine"
	"github.com/ronospace/lingosphere-collab/internal/ot"
	"github.com/ronospace/lingosphere-collab/internal/session"
)

// Hub accepts participant connections, feeds their frames into the session
// registry and relays document broadcasts back out, with Redis carrying
// frames between server nodes.
type Hub struct {
	registry *session.Registry
	comments *comment.Manager
	bus      *RedisBus
	verifier auth.Verifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHub(reg *session.Registry, cm *comment.Manager, bus *RedisBus, verifier auth.Verifier, logger *slog.Logger) *Hub {
	return &Hub{
		registry: reg,
		comments: cm,
		bus:      bus,
		verifier: verifier,
		logger:   logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router exposes the duplex channel and the session/comment REST surface.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{docID}", h.handleWS)
	r.HandleFunc("/api/docs/{docID}/session", h.handleSessionInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docID}/threads", h.handleListThreads).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{docID}/threads", h.handleCreateThread).Methods(http.MethodPost)
	r.HandleFunc("/api/docs/{docID}/threads/{threadID}/replies", h.handleReply).Methods(http.MethodPost)
	r.HandleFunc("/api/docs/{docID}/threads/{threadID}/resolve", h.handleResolveThread).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (h *Hub) identify(r *http.Request) (*auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return h.verifier.Verify(token)
}

func roleFor(identity *auth.Identity) session.Role {
	switch session.Role(identity.Role) {
	case session.RoleOwner, session.RoleEditor, session.RoleReviewer, session.RoleViewer:
		return session.Role(identity.Role)
	default:
		return session.RoleViewer
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	identity, err := h.identify(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "doc", docID, "err", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	participantID := ot.ParticipantID(identity.ParticipantID)
	participant := session.NewParticipant(participantID, identity.DisplayName, roleFor(identity))
	_, join, err := h.registry.OpenSession(ctx, docID, participant, sinceVector(r))
	if err != nil {
		_ = ws.WriteJSON(Message{Type: MsgError, Error: &ErrorEnvelope{Code: "session_open_failed", Reason: err.Error()}})
		return
	}
	defer func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		_ = h.registry.CloseParticipant(leaveCtx, docID, participantID)
	}()

	// Single writer goroutine: both the relay and the read loop send
	// through out. out is never closed; every sender and the writer exit
	// via ctx, so a late relay frame can never hit a closed channel.
	out := make(chan Message, 64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-out:
				if err := ws.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	missed := make([]OperationEnvelope, 0, len(join.Missed))
	for _, op := range join.Missed {
		missed = append(missed, FromOperation(op))
	}
	send(ctx, out, Message{Type: MsgSnapshot, Snapshot: &SnapshotEnvelope{
		SessionID:     docID,
		Text:          join.Text,
		VersionVector: join.Vector,
		Missed:        missed,
	}})

	// Relay cross-node broadcasts, skipping the participant's own echoes.
	frames, unsubscribe := h.bus.Subscribe(ctx, docID)
	defer unsubscribe()
	go func() {
		for msg := range frames {
			if msg.Broadcast != nil && msg.Broadcast.ParticipantID == identity.ParticipantID {
				continue
			}
			if msg.Presence != nil && msg.Presence.ParticipantID == identity.ParticipantID {
				continue
			}
			send(ctx, out, msg)
		}
	}()

	h.readLoop(ctx, ws, docID, identity, out)
}

// sinceVector decodes the optional catch-up vector a rejoining client sends
// with the handshake. Absent or undecodable means a full snapshot.
func sinceVector(r *http.Request) ot.VersionVector {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil
	}
	var v ot.VersionVector
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

// send delivers a frame to the connection's writer unless the connection is
// already gone.
func send(ctx context.Context, out chan<- Message, msg Message) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, docID string, identity *auth.Identity, out chan<- Message) {
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			h.logger.Debug("connection closed", "doc", docID, "participant", identity.ParticipantID, "err", err)
			return
		}
		switch msg.Type {
		case MsgOperation:
			h.handleOperation(ctx, docID, identity, msg.Operation, out)
		case MsgHeartbeat:
			h.registry.Heartbeat(ot.ParticipantID(identity.ParticipantID))
		case MsgPresence:
			h.handlePresence(docID, identity, msg.Presence)
		case MsgResolve:
			h.handleResolve(ctx, docID, identity, msg.Resolve, out)
		default:
			send(ctx, out, Message{Type: MsgError, Error: &ErrorEnvelope{Code: "malformed", Reason: "unknown message type"}})
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (h *Hub) handleOperation(ctx context.Context, docID string, identity *auth.Identity, env *OperationEnvelope, out chan<- Message) {
	if env == nil || env.ParticipantID != identity.ParticipantID || env.SessionID != docID {
		send(ctx, out, Message{Type: MsgError, Error: &ErrorEnvelope{Code: "malformed", Reason: "envelope identity mismatch"}})
		return
	}
	op, err := env.ToOperation()
	if err != nil {
		send(ctx, out, Message{Type: MsgError, Error: &ErrorEnvelope{OperationID: &env.OperationID, Code: "malformed", Reason: err.Error()}})
		return
	}
	res, err := h.registry.Submit(ctx, docID, op)
	if err != nil {
		send(ctx, out, Message{Type: MsgError, Error: &ErrorEnvelope{OperationID: &op.ID, Code: errorCode(err), Reason: err.Error()}})
		return
	}
	ack := AckEnvelope{OperationID: op.ID, AppliedVersionVector: res.Vector, Duplicate: res.Duplicate}
	if res.Conflict != nil {
		ack.ConflictID = &res.Conflict.ID
	}
	send(ctx, out, Message{Type: MsgAck, Ack: &ack})
}

func (h *Hub) handlePresence(docID string, identity *auth.Identity, env *PresenceEnvelope) {
	if env == nil || env.ParticipantID != identity.ParticipantID {
		return // presence is best-effort, silently dropped
	}
	sel := &session.Selection{Start: env.Start, End: env.End}
	if err := h.registry.UpdateCursor(docID, ot.ParticipantID(identity.ParticipantID), sel); err != nil {
		return
	}
	env.SessionID = docID
	env.Active = true
	h.bus.PublishPresence(docID, env)
}

func (h *Hub) handleResolve(ctx context.Context, docID string, identity *auth.Identity, env *ResolveEnvelope, out chan<- Message) {
	if env == nil {
		send(ctx, out, Message{Type: MsgError, Error: &ErrorEnvelope{Code: "malformed", Reason: "missing resolve payload"}})
		return
	}
	res := engine.Resolution{WinnerOpID: env.WinnerOpID}
	if env.MergeOp != nil {
		mergeOp, err := env.MergeOp.ToOperation()
		if err != nil {
			send(ctx, out, Message{Type: MsgError, Error: &ErrorEnvelope{Code: "malformed", Reason: err.Error()}})
			return
		}
		res.MergeOp = mergeOp
	}
	err := h.registry.ResolveConflict(ctx, docID, ot.ParticipantID(identity.ParticipantID), env.ConflictID, res)
	if err != nil {
		send(ctx, out, Message{Type: MsgError, Error: &ErrorEnvelope{Code: errorCode(err), Reason: err.Error()}})
		return
	}
	send(ctx, out, Message{Type: MsgAck, Ack: &AckEnvelope{OperationID: env.ConflictID}})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, engine.ErrCausalTimeout):
		return "causal_timeout"
	case errors.Is(err, engine.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, engine.ErrConflictPending):
		return "conflict_pending"
	case errors.Is(err, engine.ErrDocumentLocked):
		return "document_locked"
	case errors.Is(err, engine.ErrResyncRequired):
		return "resync_required"
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrNotJoined):
		return "not_joined"
	case errors.Is(err, engine.ErrUnknownConflict):
		return "unknown_conflict"
	default:
		return "internal"
	}
}

// --- session / comment REST surface ---

type sessionInfoResponse struct {
	SessionID string        `json:"sessionId"`
	DocID     string        `json:"docId"`
	State     string        `json:"state"`
	Roster    []rosterEntry `json:"roster"`
}

type rosterEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Role          string `json:"role"`
	Active        bool   `json:"active"`
}

func (h *Hub) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	if _, err := h.identify(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s, ok := h.registry.Session(docID)
	if !ok {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	resp := sessionInfoResponse{
		SessionID: s.ID.String(),
		DocID:     s.DocID,
		State:     string(s.State()),
	}
	for _, p := range s.Roster() {
		resp.Roster = append(resp.Roster, rosterEntry{
			ParticipantID: string(p.ID),
			DisplayName:   p.DisplayName,
			Role:          string(p.Role),
			Active:        p.Active(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createThreadRequest struct {
	Start         int              `json:"start"`
	End           int              `json:"end"`
	Body          string           `json:"body"`
	VersionVector ot.VersionVector `json:"versionVector"`
}

func (h *Hub) handleListThreads(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	if _, err := h.identify(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, h.comments.Threads(docID))
}

func (h *Hub) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	identity, err := h.identify(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" || req.Start < 0 || req.End < req.Start {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	t := h.comments.Create(docID, ot.ParticipantID(identity.ParticipantID), req.Start, req.End, req.Body, req.VersionVector)
	writeJSON(w, http.StatusCreated, t)
}

type replyRequest struct {
	Body string `json:"body"`
}

func (h *Hub) handleReply(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	identity, err := h.identify(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	threadID, err := uuid.Parse(vars["threadID"])
	if err != nil {
		http.Error(w, "bad thread id", http.StatusBadRequest)
		return
	}
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	t, err := h.comments.Reply(vars["docID"], threadID, ot.ParticipantID(identity.ParticipantID), req.Body)
	if errors.Is(err, comment.ErrThreadNotFound) {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Hub) handleResolveThread(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := h.identify(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	threadID, err := uuid.Parse(vars["threadID"])
	if err != nil {
		http.Error(w, "bad thread id", http.StatusBadRequest)
		return
	}
	t, err := h.comments.Resolve(vars["docID"], threadID)
	if errors.Is(err, comment.ErrThreadNotFound) {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
