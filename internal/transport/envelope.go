// Package transport carries the collaboration engine over WebSocket
// connections, with Redis pub/sub fanning broadcasts out across server
// nodes. Delivery is at-least-once; the engine deduplicates by operation ID.
package transport

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ronospace/lingosphere-collab/internal/engine"
	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// MessageType discriminates frames on the duplex channel.
type MessageType string

const (
	MsgOperation MessageType = "operation" // client -> server edit
	MsgBroadcast MessageType = "broadcast" // server -> clients applied edit
	MsgSnapshot  MessageType = "snapshot"  // server -> joining client
	MsgPresence  MessageType = "presence"  // cursor/selection, both ways
	MsgHeartbeat MessageType = "heartbeat" // client -> server keepalive
	MsgResolve   MessageType = "resolve"   // client -> server conflict answer
	MsgConflict  MessageType = "conflict"  // server -> clients notification
	MsgAck       MessageType = "ack"       // server -> submitting client
	MsgError     MessageType = "error"     // server -> offending client
)

// Message is the single frame shape on the wire; exactly one payload field
// is set according to Type.
type Message struct {
	Type      MessageType        `json:"type"`
	Operation *OperationEnvelope `json:"operation,omitempty"`
	Broadcast *BroadcastEnvelope `json:"broadcast,omitempty"`
	Snapshot  *SnapshotEnvelope  `json:"snapshot,omitempty"`
	Presence  *PresenceEnvelope  `json:"presence,omitempty"`
	Resolve   *ResolveEnvelope   `json:"resolve,omitempty"`
	Conflict  *ConflictEnvelope  `json:"conflict,omitempty"`
	Ack       *AckEnvelope       `json:"ack,omitempty"`
	Error     *ErrorEnvelope     `json:"error,omitempty"`
}

// OperationEnvelope is the inbound edit frame.
type OperationEnvelope struct {
	SessionID     string           `json:"sessionId"`
	ParticipantID string           `json:"participantId"`
	OperationID   uuid.UUID        `json:"operationId"`
	Kind          string           `json:"kind"`
	Offset        int              `json:"offset"`
	Payload       string           `json:"payload,omitempty"`
	Length        int              `json:"length,omitempty"`
	VersionVector ot.VersionVector `json:"versionVector"`
	ClientSeq     uint64           `json:"clientSeq"`
}

// BroadcastEnvelope is the outbound applied-edit frame: the transformed
// operation(s), the vector after application, and the original operation ID
// so clients can reconcile optimistic local edits.
type BroadcastEnvelope struct {
	SessionID            string              `json:"sessionId"`
	ParticipantID        string              `json:"participantId"`
	Operations           []OperationEnvelope `json:"operations"`
	AppliedVersionVector ot.VersionVector    `json:"appliedVersionVector"`
	TransformedFrom      uuid.UUID           `json:"transformedFrom"`
}

// SnapshotEnvelope catches a joining client up.
type SnapshotEnvelope struct {
	SessionID     string              `json:"sessionId"`
	Text          string              `json:"text"`
	VersionVector ot.VersionVector    `json:"versionVector"`
	Missed        []OperationEnvelope `json:"missed,omitempty"`
}

// PresenceEnvelope shares a cursor/selection. Ephemeral and best-effort.
type PresenceEnvelope struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
	Active        bool   `json:"active"`
}

// ResolveEnvelope answers a pending conflict.
type ResolveEnvelope struct {
	SessionID     string             `json:"sessionId"`
	ParticipantID string             `json:"participantId"`
	ConflictID    uuid.UUID          `json:"conflictId"`
	WinnerOpID    *uuid.UUID         `json:"winnerOperationId,omitempty"`
	MergeOp       *OperationEnvelope `json:"mergeOperation,omitempty"`
}

// ConflictEnvelope notifies participants of a conflict and its status.
type ConflictEnvelope struct {
	ConflictID              uuid.UUID   `json:"conflictId"`
	SessionID               string      `json:"sessionId"`
	ConflictingOperationIDs []uuid.UUID `json:"conflictingOperationIds"`
	Severity                string      `json:"severity"`
	Status                  string      `json:"status"`
}

// AckEnvelope confirms an applied submission to its sender.
type AckEnvelope struct {
	OperationID          uuid.UUID        `json:"operationId"`
	AppliedVersionVector ot.VersionVector `json:"appliedVersionVector"`
	Duplicate            bool             `json:"duplicate,omitempty"`
	ConflictID           *uuid.UUID       `json:"conflictId,omitempty"`
}

// ErrorEnvelope reports a rejection to the offending client only.
type ErrorEnvelope struct {
	OperationID *uuid.UUID `json:"operationId,omitempty"`
	Code        string     `json:"code"`
	Reason      string     `json:"reason"`
}

// ErrMalformedEnvelope covers frames that cannot be mapped onto an engine
// operation.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ToOperation validates an inbound envelope and builds the engine operation.
func (e *OperationEnvelope) ToOperation() (*ot.Operation, error) {
	if e.ParticipantID == "" || e.SessionID == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrMalformedEnvelope)
	}
	if e.OperationID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing operation id", ErrMalformedEnvelope)
	}
	if e.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrMalformedEnvelope)
	}
	op := &ot.Operation{
		ID:          e.OperationID,
		DocID:       e.SessionID,
		Participant: ot.ParticipantID(e.ParticipantID),
		Offset:      e.Offset,
		Vector:      e.VersionVector.Clone(),
		Seq:         e.ClientSeq,
	}
	switch ot.OpKind(e.Kind) {
	case ot.OpInsert:
		if e.Payload == "" {
			return nil, fmt.Errorf("%w: insert without payload", ErrMalformedEnvelope)
		}
		op.Kind = ot.OpInsert
		op.Text = e.Payload
	case ot.OpDelete:
		if e.Length <= 0 {
			return nil, fmt.Errorf("%w: delete without length", ErrMalformedEnvelope)
		}
		op.Kind = ot.OpDelete
		op.Length = e.Length
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
	return op, nil
}

// FromOperation renders an engine operation back onto the wire.
func FromOperation(op *ot.Operation) OperationEnvelope {
	return OperationEnvelope{
		SessionID:     op.DocID,
		ParticipantID: string(op.Participant),
		OperationID:   op.ID,
		Kind:          string(op.Kind),
		Offset:        op.Offset,
		Payload:       op.Text,
		Length:        op.Length,
		VersionVector: op.Vector.Clone(),
		ClientSeq:     op.Seq,
	}
}

// FromConflict renders a conflict notification.
func FromConflict(c *engine.Conflict) ConflictEnvelope {
	return ConflictEnvelope{
		ConflictID:              c.ID,
		SessionID:               c.DocID,
		ConflictingOperationIDs: c.OperationIDs,
		Severity:                string(c.Severity),
		Status:                  string(c.Status),
	}
}
