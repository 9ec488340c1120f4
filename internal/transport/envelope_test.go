package transport

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronospace/lingosphere-collab/internal/ot"
)

func validInsertEnvelope() OperationEnvelope {
	return OperationEnvelope{
		SessionID:     "doc-1",
		ParticipantID: "alice",
		OperationID:   uuid.New(),
		Kind:          "insert",
		Offset:        3,
		Payload:       "dog",
		VersionVector: ot.VersionVector{"alice": 1, "bob": 4},
		ClientSeq:     2,
	}
}

func TestToOperationValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OperationEnvelope)
		ok     bool
	}{
		{"valid insert", func(*OperationEnvelope) {}, true},
		{"valid delete", func(e *OperationEnvelope) {
			e.Kind = "delete"
			e.Payload = ""
			e.Length = 4
		}, true},
		{"missing participant", func(e *OperationEnvelope) { e.ParticipantID = "" }, false},
		{"missing session", func(e *OperationEnvelope) { e.SessionID = "" }, false},
		{"nil operation id", func(e *OperationEnvelope) { e.OperationID = uuid.Nil }, false},
		{"negative offset", func(e *OperationEnvelope) { e.Offset = -1 }, false},
		{"insert without payload", func(e *OperationEnvelope) { e.Payload = "" }, false},
		{"delete without length", func(e *OperationEnvelope) {
			e.Kind = "delete"
			e.Payload = ""
			e.Length = 0
		}, false},
		{"unknown kind", func(e *OperationEnvelope) { e.Kind = "retain" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validInsertEnvelope()
			tt.mutate(&env)
			op, err := env.ToOperation()
			if !tt.ok {
				assert.ErrorIs(t, err, ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, env.OperationID, op.ID)
			assert.Equal(t, env.SessionID, op.DocID)
			assert.Equal(t, ot.ParticipantID(env.ParticipantID), op.Participant)
			assert.Equal(t, env.ClientSeq, op.Seq)
		})
	}
}

func TestOperationEnvelopeRoundTrip(t *testing.T) {
	env := validInsertEnvelope()
	op, err := env.ToOperation()
	require.NoError(t, err)

	back := FromOperation(op)
	assert.Equal(t, env, back)

	// vector is copied, not aliased
	back.VersionVector["alice"] = 99
	assert.Equal(t, uint64(1), op.Vector.Get("alice"))
}

func TestMessageWireShape(t *testing.T) {
	origID := uuid.New()
	msg := Message{
		Type: MsgBroadcast,
		Broadcast: &BroadcastEnvelope{
			SessionID:            "doc-1",
			ParticipantID:        "bob",
			Operations:           []OperationEnvelope{validInsertEnvelope()},
			AppliedVersionVector: ot.VersionVector{"alice": 1, "bob": 5},
			TransformedFrom:      origID,
		},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	// only the active payload field appears on the wire
	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Contains(t, generic, "broadcast")
	assert.NotContains(t, generic, "operation")
	assert.NotContains(t, generic, "snapshot")

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, MsgBroadcast, decoded.Type)
	require.NotNil(t, decoded.Broadcast)
	assert.Equal(t, origID, decoded.Broadcast.TransformedFrom)
	assert.Equal(t, msg.Broadcast.AppliedVersionVector, decoded.Broadcast.AppliedVersionVector)
}

func TestErrorCodeMapping(t *testing.T) {
	assert.Equal(t, "internal", errorCode(assert.AnError))
}
