package transport

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronospace/lingosphere-collab/internal/auth"
	"github.com/ronospace/lingosphere-collab/internal/comment"
	"github.com/ronospace/lingosphere-collab/internal/ot"
	"github.com/ronospace/lingosphere-collab/internal/session"
	"github.com/ronospace/lingosphere-collab/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	snapshots map[string]*store.Snapshot
}

func (m *memStore) LoadSnapshot(_ context.Context, docID string) (*store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return snap, nil
}

func (m *memStore) SaveSnapshot(_ context.Context, docID string, snap *store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[docID] = snap
	return nil
}

func (m *memStore) AppendCheckpoint(_ context.Context, _ string, _ *ot.Operation) error { return nil }
func (m *memStore) Close() error                                                       { return nil }

type nopCheckpointer struct{}

func (nopCheckpointer) Enqueue(string, *ot.Operation, string, ot.VersionVector) {}

const testSecret = "hub-test-secret"

func mintToken(t *testing.T, participant, role string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   participant,
			Issuer:    "lingosphere",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		DisplayName: participant,
		Role:        role,
	}
	tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func startHubServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	logger := slog.Default()
	st := &memStore{snapshots: make(map[string]*store.Snapshot)}

	// Redis is unreachable here: publishes fail and are logged, the
	// subscribe channel simply stays silent. The duplex path under test
	// does not depend on the relay delivering anything.
	bus := NewRedisBus(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), logger)

	cfg := session.DefaultConfig()
	cfg.Actor.CausalWait = 500 * time.Millisecond
	reg := session.NewRegistry(cfg, st, bus, nopCheckpointer{}, nil, logger)
	t.Cleanup(reg.Close)

	hub := NewHub(reg, comment.NewManager(), bus, auth.NewJWTVerifier([]byte(testSecret), "lingosphere"), logger)
	srv := httptest.NewServer(hub.Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func (m *memStore) has(docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snapshots[docID]
	return ok
}

func dialDoc(t *testing.T, srv *httptest.Server, docID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + docID + "?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubConnectionLifecycle(t *testing.T) {
	srv, st := startHubServer(t)

	alice := dialDoc(t, srv, "doc-1", "token="+mintToken(t, "alice", "editor"))
	snap := readMessage(t, alice)
	require.Equal(t, MsgSnapshot, snap.Type)
	require.NotNil(t, snap.Snapshot)
	assert.Empty(t, snap.Snapshot.Text)

	require.NoError(t, alice.WriteJSON(Message{Type: MsgOperation, Operation: &OperationEnvelope{
		SessionID:     "doc-1",
		ParticipantID: "alice",
		OperationID:   uuid.New(),
		Kind:          "insert",
		Offset:        0,
		Payload:       "hola",
		VersionVector: ot.VersionVector{},
		ClientSeq:     1,
	}}))
	ack := readMessage(t, alice)
	require.Equal(t, MsgAck, ack.Type)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, ot.VersionVector{"alice": 1}, ack.Ack.AppliedVersionVector)

	// A second participant joining with a stale vector gets the missed
	// operation replayed in the snapshot.
	bob := dialDoc(t, srv, "doc-1", "token="+mintToken(t, "bob", "editor")+"&since=%7B%7D")
	bobSnap := readMessage(t, bob)
	require.Equal(t, MsgSnapshot, bobSnap.Type)
	assert.Equal(t, "hola", bobSnap.Snapshot.Text)
	require.Len(t, bobSnap.Snapshot.Missed, 1)
	assert.Equal(t, "hola", bobSnap.Snapshot.Missed[0].Payload)

	// Both connections tear down; the server must survive the relay and
	// writer goroutines winding up and keep serving new connections. The
	// empty roster archives the session with a final snapshot.
	require.NoError(t, alice.Close())
	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return st.has("doc-1") }, 5*time.Second, 20*time.Millisecond)

	carol := dialDoc(t, srv, "doc-1", "token="+mintToken(t, "carol", "editor"))
	carolSnap := readMessage(t, carol)
	require.Equal(t, MsgSnapshot, carolSnap.Type)
	assert.Equal(t, "hola", carolSnap.Snapshot.Text)
}

func TestHubRejectsBadToken(t *testing.T) {
	srv, _ := startHubServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/doc-1?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
