package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/delivery"
	"chatrelay/internal/identity"
	"chatrelay/internal/presence"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/syncer"
	"chatrelay/pkg/types"
)

type memberKey struct {
	userID string
	roomID string
}

type memoryStore struct {
	mu       sync.Mutex
	members  map[memberKey]bool
	lastSeen map[memberKey]time.Time
	byRoom   map[string][]*types.Message
	dedupe   map[string]*types.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		members:  make(map[memberKey]bool),
		lastSeen: make(map[memberKey]time.Time),
		byRoom:   make(map[string][]*types.Message),
		dedupe:   make(map[string]*types.Message),
	}
}

func (m *memoryStore) addMember(userID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[memberKey{userID, roomID}] = true
}

func (m *memoryStore) seed(roomID string, count int, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < count; i++ {
		m.byRoom[roomID] = append(m.byRoom[roomID], &types.Message{
			ID:        fmt.Sprintf("seed-%s-%d", roomID, i),
			RoomID:    roomID,
			Sender:    types.Sender{ID: "seeder", Username: "Seeder"},
			Text:      fmt.Sprintf("history %d", i),
			CreatedAt: start.Add(time.Duration(i) * time.Second),
		})
	}
}

func (m *memoryStore) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[memberKey{userID, roomID}], nil
}

func (m *memoryStore) UpdateLastSeen(ctx context.Context, userID, roomID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[memberKey{userID, roomID}] = seenAt
	return nil
}

func (m *memoryStore) InsertMessageWithDedupe(ctx context.Context, msg *types.Message, clientMsgID string) (*types.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := msg.RoomID + "|" + msg.Sender.ID + "|" + clientMsgID
	if existing, ok := m.dedupe[key]; ok {
		return existing, false, nil
	}
	m.dedupe[key] = msg
	m.byRoom[msg.RoomID] = append(m.byRoom[msg.RoomID], msg)
	return msg, true, nil
}

func (m *memoryStore) MessagesSince(ctx context.Context, roomID string, since time.Time, limit int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Message
	for _, msg := range m.byRoom[roomID] {
		if msg.CreatedAt.After(since) {
			out = append(out, msg)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) MessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*types.Message, error) {
	return nil, nil
}

type testEnv struct {
	gateway  *Gateway
	tracker  *presence.Tracker
	limiter  *ratelimit.Limiter
	store    *memoryStore
	verifier *identity.Verifier
	server   *httptest.Server
}

func newTestEnv(t *testing.T, rlConfig ratelimit.Config) *testEnv {
	t.Helper()

	store := newMemoryStore()
	verifier := identity.NewVerifier("test-secret", 5*time.Minute)
	tracker := presence.NewTracker(presence.Config{
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    time.Hour,
	})
	limiter := ratelimit.NewLimiter(rlConfig)
	ledger := delivery.NewLedger(store, 500)
	engine := syncer.NewEngine(tracker, store, store, 100)

	gw := New(tracker, limiter, ledger, engine, store, verifier, Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   100,
	})

	server := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	t.Cleanup(func() {
		server.Close()
		gw.Shutdown()
		tracker.Stop()
		limiter.Stop()
	})

	return &testEnv{
		gateway:  gw,
		tracker:  tracker,
		limiter:  limiter,
		store:    store,
		verifier: verifier,
		server:   server,
	}
}

func defaultRateLimit() ratelimit.Config {
	return ratelimit.Config{
		Window:        10 * time.Second,
		MaxMessages:   100,
		MuteDuration:  30 * time.Second,
		SweepInterval: time.Hour,
	}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	token, err := e.verifier.Issue(types.Identity{UserID: userID, Username: userID}, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("X-Auth-Token", token)
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, payload interface{}) {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(types.Frame{Event: event, Data: data})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

// awaitEvent reads frames until the named event arrives, skipping
// unrelated pushes.
func awaitEvent(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, ws.SetReadDeadline(deadline))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)

		var frame types.Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Event == event {
			return frame.Data
		}
	}
	t.Fatalf("event %s never arrived", event)
	return nil
}

func joinRoom(t *testing.T, ws *websocket.Conn, roomID string) {
	t.Helper()

	send(t, ws, types.EventRoomJoin, types.JoinPayload{RoomID: roomID})
	var ack types.Ack
	require.NoError(t, json.Unmarshal(awaitEvent(t, ws, ackEvent(types.EventRoomJoin)), &ack))
	require.True(t, ack.Success)
}

func TestGateway_RejectsBadCredential(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("X-Auth-Token", "garbage")
	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_CredentialLocations(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	token, err := env.verifier.Issue(types.Identity{UserID: "alice"}, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.NoError(t, err)
	_ = ws.Close()

	ws, _, err = websocket.DefaultDialer.Dial(env.wsURL()+"?token="+token, nil)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestGateway_JoinNotifiesRoom(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")
	env.store.addMember("bob", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")

	bob := env.dial(t, "bob")
	joinRoom(t, bob, "general")

	// Alice sees bob arrive: a join notice and the refreshed roster.
	var notice types.SystemNotice
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventRoomSystem), &notice))
	assert.Equal(t, types.SystemJoin, notice.Type)
	assert.Equal(t, "general", notice.RoomID)
	require.NotNil(t, notice.User)
	assert.Equal(t, "bob", notice.User.ID)

	var roster types.RosterUpdate
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventRoomRoster), &roster))
	assert.Len(t, roster.Users, 2)
}

func TestGateway_JoinRequiresMembership(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())

	alice := env.dial(t, "alice")
	send(t, alice, types.EventRoomJoin, types.JoinPayload{RoomID: "general"})

	var ack types.Ack
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventRoomJoin)), &ack))
	assert.False(t, ack.Success)
	assert.Equal(t, "not a room member", ack.Error)
}

func TestGateway_SendBroadcastsToRoom(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")
	env.store.addMember("bob", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")
	bob := env.dial(t, "bob")
	joinRoom(t, bob, "general")

	send(t, alice, types.EventMessageSend, types.SendPayload{
		RoomID:      "general",
		Text:        "hello room",
		ClientMsgID: "tok-1",
	})

	var ack types.SendAck
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventMessageSend)), &ack))
	require.True(t, ack.Success)
	require.NotEmpty(t, ack.MessageID)

	// Both members receive the broadcast, the sender included.
	var got types.Message
	require.NoError(t, json.Unmarshal(awaitEvent(t, bob, types.EventMessageNew), &got))
	assert.Equal(t, ack.MessageID, got.ID)
	assert.Equal(t, "hello room", got.Text)
	assert.Equal(t, "alice", got.Sender.ID)

	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventMessageNew), &got))
	assert.Equal(t, ack.MessageID, got.ID)
}

func TestGateway_DuplicateSendIsNotRebroadcast(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")

	payload := types.SendPayload{RoomID: "general", Text: "once", ClientMsgID: "tok-dup"}
	send(t, alice, types.EventMessageSend, payload)

	var first types.SendAck
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventMessageSend)), &first))
	require.True(t, first.Success)
	awaitEvent(t, alice, types.EventMessageNew)

	send(t, alice, types.EventMessageSend, payload)
	var second types.SendAck
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventMessageSend)), &second))
	assert.True(t, second.Success)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.MessageID, second.MessageID)

	// The next push must be a fresh message, not a replayed broadcast of
	// the duplicate.
	send(t, alice, types.EventMessageSend, types.SendPayload{RoomID: "general", Text: "next", ClientMsgID: "tok-next"})
	var got types.Message
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventMessageNew), &got))
	assert.Equal(t, "next", got.Text)
}

func TestGateway_SendRejectsNonMember(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())

	alice := env.dial(t, "alice")
	send(t, alice, types.EventMessageSend, types.SendPayload{
		RoomID:      "general",
		Text:        "hello",
		ClientMsgID: "tok-1",
	})

	var ack types.SendAck
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventMessageSend)), &ack))
	assert.False(t, ack.Success)
	assert.Equal(t, "not a room member", ack.Error)
}

func TestGateway_SendValidation(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")

	send(t, alice, types.EventMessageSend, types.SendPayload{RoomID: "general", Text: "   ", ClientMsgID: "tok-1"})
	var ack types.SendAck
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventMessageSend)), &ack))
	assert.False(t, ack.Success)

	send(t, alice, types.EventMessageSend, types.SendPayload{RoomID: "general", Text: "hello"})
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventMessageSend)), &ack))
	assert.False(t, ack.Success, "missing client message id is rejected")
}

func TestGateway_RateLimitMutesOffenderOnly(t *testing.T) {
	rl := defaultRateLimit()
	rl.MaxMessages = 1
	env := newTestEnv(t, rl)
	env.store.addMember("alice", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")

	send(t, alice, types.EventMessageSend, types.SendPayload{RoomID: "general", Text: "one", ClientMsgID: "tok-1"})
	awaitEvent(t, alice, types.EventMessageNew)

	send(t, alice, types.EventMessageSend, types.SendPayload{RoomID: "general", Text: "two", ClientMsgID: "tok-2"})
	var ack types.SendAck
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventMessageSend)), &ack))
	assert.False(t, ack.Success)
	require.NotNil(t, ack.MutedUntil)
	assert.True(t, ack.MutedUntil.After(time.Now()))

	var notice types.SystemNotice
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventRoomSystem), &notice))
	assert.Equal(t, types.SystemMuted, notice.Type)
	require.NotNil(t, notice.Until)
}

func TestGateway_TypingExcludesOriginator(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")
	env.store.addMember("bob", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")
	bob := env.dial(t, "bob")
	joinRoom(t, bob, "general")

	send(t, alice, types.EventTypingUpdate, types.TypingPayload{RoomID: "general", IsTyping: true})

	var notice types.TypingNotice
	require.NoError(t, json.Unmarshal(awaitEvent(t, bob, types.EventTypingUpdate), &notice))
	assert.Equal(t, "alice", notice.User.ID)
	assert.True(t, notice.IsTyping)

	// The originator only gets the ack; a follow-up send proves no
	// typing push was queued ahead of it.
	var ack types.Ack
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventTypingUpdate)), &ack))
	require.True(t, ack.Success)

	send(t, alice, types.EventMessageSend, types.SendPayload{RoomID: "general", Text: "after typing", ClientMsgID: "tok-t"})
	data := awaitEvent(t, alice, types.EventMessageNew)
	var msg types.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "after typing", msg.Text)
}

func TestGateway_SyncReplaysMissedMessages(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")
	env.store.addMember("alice", "random")

	base := time.Now().Add(-time.Hour)
	env.store.seed("general", 3, base)

	alice := env.dial(t, "alice")
	send(t, alice, types.EventRoomsSync, types.SyncPayload{
		Rooms: []types.SyncRoomRequest{
			{RoomID: "general", LastSeenAt: base.Add(500 * time.Millisecond)},
			{RoomID: "not-mine", LastSeenAt: base},
		},
	})

	// Missed messages arrive individually, oldest first, before the ack.
	for i := 1; i <= 2; i++ {
		var msg types.Message
		require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventMessageNew), &msg))
		assert.Equal(t, fmt.Sprintf("seed-general-%d", i), msg.ID)
	}

	var ack types.SyncAck
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventRoomsSync)), &ack))
	require.True(t, ack.Success)
	require.Len(t, ack.Results, 2)
	assert.True(t, ack.Results[0].Synced)
	assert.Equal(t, 2, ack.Results[0].MessageCount)
	assert.False(t, ack.Results[1].Synced, "non-member room skipped without failing the batch")

	assert.Equal(t, []string{"alice"}, env.tracker.RoomUserIDs("general"))
}

func TestGateway_LeaveNotifiesRemaining(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")
	env.store.addMember("bob", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")
	bob := env.dial(t, "bob")
	joinRoom(t, bob, "general")
	awaitEvent(t, alice, types.EventRoomRoster) // bob's arrival

	send(t, bob, types.EventRoomLeave, types.LeavePayload{RoomID: "general"})
	var ack types.Ack
	require.NoError(t, json.Unmarshal(awaitEvent(t, bob, ackEvent(types.EventRoomLeave)), &ack))
	require.True(t, ack.Success)

	var notice types.SystemNotice
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventRoomSystem), &notice))
	assert.Equal(t, types.SystemLeave, notice.Type)
	require.NotNil(t, notice.User)
	assert.Equal(t, "bob", notice.User.ID)

	var roster types.RosterUpdate
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventRoomRoster), &roster))
	assert.Len(t, roster.Users, 1)
}

func TestGateway_DisconnectTearsDownPresence(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")
	env.store.addMember("bob", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")
	bob := env.dial(t, "bob")
	joinRoom(t, bob, "general")
	awaitEvent(t, alice, types.EventRoomRoster)

	require.NoError(t, bob.Close())

	// Alice observes bob's departure.
	var notice types.SystemNotice
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventRoomSystem), &notice))
	assert.Equal(t, types.SystemLeave, notice.Type)

	var roster types.RosterUpdate
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, types.EventRoomRoster), &roster))
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].ID)
}

func TestGateway_PresencePing(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")

	alice := env.dial(t, "alice")
	joinRoom(t, alice, "general")

	send(t, alice, types.EventPresencePing, types.PingPayload{RoomID: "general"})
	var ack types.Ack
	require.NoError(t, json.Unmarshal(awaitEvent(t, alice, ackEvent(types.EventPresencePing)), &ack))
	assert.True(t, ack.Success)

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	assert.False(t, env.store.lastSeen[memberKey{"alice", "general"}].IsZero())
}

func TestGateway_MalformedFramesAreDropped(t *testing.T) {
	env := newTestEnv(t, defaultRateLimit())
	env.store.addMember("alice", "general")

	alice := env.dial(t, "alice")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"event":"no:such:event","data":{}}`)))

	// The connection survives both.
	joinRoom(t, alice, "general")
}
