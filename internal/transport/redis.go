package transport

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ronospace/lingosphere-collab/internal/engine"
	"github.com/ronospace/lingosphere-collab/internal/ot"
)

// docChannel is the Redis pub/sub channel carrying every frame for one
// document, so broadcasts reach participants connected to other nodes.
func docChannel(docID string) string { return "collab:doc:" + docID }

// RedisBus publishes actor events to Redis and lets connection handlers
// subscribe per document. Implements engine.Broadcaster.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger.With("component", "redis-bus")}
}

// BroadcastOperation publishes the applied, transformed operation, never the
// original, so every replica converges on the same form.
func (b *RedisBus) BroadcastOperation(docID string, parts []*ot.Operation, originalID uuid.UUID, applied ot.VersionVector) {
	envs := make([]OperationEnvelope, 0, len(parts))
	participant := ""
	for _, part := range parts {
		participant = string(part.Participant)
		envs = append(envs, FromOperation(part))
	}
	msg := Message{
		Type: MsgBroadcast,
		Broadcast: &BroadcastEnvelope{
			SessionID:            docID,
			ParticipantID:        participant,
			Operations:           envs,
			AppliedVersionVector: applied,
			TransformedFrom:      originalID,
		},
	}
	b.publish(docID, msg)
}

// NotifyConflict publishes a conflict record to every participant.
func (b *RedisBus) NotifyConflict(docID string, c *engine.Conflict) {
	env := FromConflict(c)
	b.publish(docID, Message{Type: MsgConflict, Conflict: &env})
}

// PublishPresence shares a cursor update. Best-effort: failures are logged
// and dropped.
func (b *RedisBus) PublishPresence(docID string, p *PresenceEnvelope) {
	b.publish(docID, Message{Type: MsgPresence, Presence: p})
}

func (b *RedisBus) publish(docID string, msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("encode broadcast", "doc", docID, "err", err)
		return
	}
	if err := b.client.Publish(context.Background(), docChannel(docID), raw).Err(); err != nil {
		b.logger.Error("publish broadcast", "doc", docID, "err", err)
	}
}

// Subscribe opens the document's channel and forwards decoded frames until
// ctx is cancelled. The returned function must be called to release the
// subscription.
func (b *RedisBus) Subscribe(ctx context.Context, docID string) (<-chan Message, func()) {
	pubsub := b.client.Subscribe(ctx, docChannel(docID))
	out := make(chan Message, 32)
	go func() {
		defer close(out)
		for raw := range pubsub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				b.logger.Warn("drop undecodable frame", "doc", docID, "err", err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = pubsub.Close() }
}
