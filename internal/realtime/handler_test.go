package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crmdesk/backend/internal/db"
	"github.com/crmdesk/backend/internal/models"
	ws "github.com/crmdesk/backend/internal/websocket"
)

type fakeUsers struct {
	mu    sync.Mutex
	known map[int64]bool
}

func (f *fakeUsers) Exists(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[userID], nil
}

type fakePresence struct {
	mu      sync.Mutex
	records map[int64]models.PresenceRecord
}

func newFakePresence() *fakePresence {
	return &fakePresence{records: make(map[int64]models.PresenceRecord)}
}

func (f *fakePresence) Upsert(_ context.Context, userID int64, status models.PresenceStatus, lastSeenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[userID] = models.PresenceRecord{UserID: userID, Status: status, LastSeenAt: lastSeenAt}
	return nil
}

func (f *fakePresence) MarkStaleOffline(_ context.Context, threshold time.Time) ([]models.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var demoted []models.PresenceRecord
	for id, rec := range f.records {
		if rec.Status == models.PresenceOnline && rec.LastSeenAt.Before(threshold) {
			rec.Status = models.PresenceOffline
			f.records[id] = rec
			demoted = append(demoted, rec)
		}
	}
	return demoted, nil
}

func (f *fakePresence) get(userID int64) (models.PresenceRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	return rec, ok
}

type fakeMessages struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.Message
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: make(map[int64]*models.Message)}
}

func (f *fakeMessages) Create(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	clone := *msg
	f.byID[msg.ID] = &clone
	return nil
}

func (f *fakeMessages) MarkDelivered(_ context.Context, id int64, at time.Time) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byID[id]
	if !ok || msg.Type != models.MessageDirect {
		return nil, db.ErrMessageNotFound
	}
	if msg.DeliveredAt == nil {
		msg.DeliveredAt = &at
	}
	clone := *msg
	return &clone, nil
}

func (f *fakeMessages) MarkRead(_ context.Context, id int64, at time.Time) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byID[id]
	if !ok || msg.Type != models.MessageDirect {
		return nil, db.ErrMessageNotFound
	}
	if msg.ReadAt == nil {
		msg.ReadAt = &at
	}
	msg.IsRead = true
	clone := *msg
	return &clone, nil
}

func (f *fakeMessages) get(id int64) (models.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return *msg, true
}

type testEnv struct {
	hub      *ws.Hub
	users    *fakeUsers
	presence *fakePresence
	messages *fakeMessages
	server   *httptest.Server
}

func newTestEnv(t *testing.T, knownUsers ...int64) *testEnv {
	t.Helper()

	users := &fakeUsers{known: make(map[int64]bool)}
	for _, id := range knownUsers {
		users.known[id] = true
	}

	env := &testEnv{
		hub:      ws.NewHub(10),
		users:    users,
		presence: newFakePresence(),
		messages: newFakeMessages(),
	}

	handler := NewHandler(env.hub, env.users, env.presence, env.messages, zerolog.Nop())
	env.server = httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(env.server.Close)

	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + e.server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	frame, _ := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}
}

// readEvent reads frames until one of the wanted type arrives, skipping
// unrelated broadcasts (e.g. presence updates interleave with everything).
func readEvent(t *testing.T, conn *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Did not receive %q event: %v", wantType, err)
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("Malformed event frame: %v", err)
		}
		if env.Type == wantType {
			return env.Payload
		}
	}
}

// expectNoEvent asserts that no event of the given type arrives within a
// short window. The read deadline poisons the connection, so this must be the
// last read performed on conn in a test.
func expectNoEvent(t *testing.T, conn *websocket.Conn, unwantedType string) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			return // connection closed is also "no event"
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Type == unwantedType {
			t.Fatalf("Received unexpected %q event: %s", unwantedType, env.Payload)
		}
	}
}

func waitFor(t *testing.T, condition func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// identify sends the identify event and waits for this user's own ONLINE
// broadcast, so the registry attachment is complete before the test moves on.
// Presence updates from other connections interleave on the same socket and
// must be skipped, not taken as confirmation.
func identify(t *testing.T, conn *websocket.Conn, userID int64) {
	t.Helper()

	sendEvent(t, conn, EventIdentify, IdentifyPayload{UserID: userID})
	for {
		var update PresenceUpdatePayload
		if err := json.Unmarshal(readEvent(t, conn, EventPresenceUpdate), &update); err != nil {
			t.Fatalf("Failed to unmarshal presence update: %v", err)
		}
		if update.UserID == userID {
			return
		}
	}
}

func TestIdentifyMarksUserOnline(t *testing.T) {
	env := newTestEnv(t, 1)
	conn := env.dial(t)

	sendEvent(t, conn, EventIdentify, IdentifyPayload{UserID: 1})

	payload := readEvent(t, conn, EventPresenceUpdate)
	var update PresenceUpdatePayload
	if err := json.Unmarshal(payload, &update); err != nil {
		t.Fatalf("Failed to unmarshal presence update: %v", err)
	}
	if update.UserID != 1 || update.Status != models.PresenceOnline {
		t.Errorf("expected ONLINE update for user 1, got %+v", update)
	}

	rec, ok := env.presence.get(1)
	if !ok || rec.Status != models.PresenceOnline {
		t.Errorf("expected durable ONLINE record for user 1, got %+v (exists=%t)", rec, ok)
	}
	if env.hub.ActiveConnections(1) != 1 {
		t.Errorf("expected 1 registered connection, got %d", env.hub.ActiveConnections(1))
	}
}

func TestIdentifyUnknownUserIsRejected(t *testing.T) {
	env := newTestEnv(t, 1)
	conn := env.dial(t)

	sendEvent(t, conn, EventIdentify, IdentifyPayload{UserID: 42})

	payload := readEvent(t, conn, EventError)
	var errPayload ErrorPayload
	if err := json.Unmarshal(payload, &errPayload); err != nil {
		t.Fatalf("Failed to unmarshal error payload: %v", err)
	}
	if errPayload.Message != "unknown user" {
		t.Errorf("expected 'unknown user' error, got %q", errPayload.Message)
	}

	if _, ok := env.presence.get(42); ok {
		t.Error("expected no presence record for unknown user")
	}
	if env.hub.ActiveConnections(42) != 0 {
		t.Error("expected no registry entry for unknown user")
	}
}

func TestDirectMessageMultiConnectionFanOut(t *testing.T) {
	env := newTestEnv(t, 1, 2)

	receiver1 := env.dial(t)
	receiver2 := env.dial(t)
	sender := env.dial(t)

	identify(t, receiver1, 1)
	identify(t, receiver2, 1)
	identify(t, sender, 2)

	sendEvent(t, sender, EventSendMessage, SendMessagePayload{
		SenderID:   2,
		ReceiverID: 1,
		Message:    "hello",
		Type:       string(models.MessageDirect),
	})

	var ack models.Message
	if err := json.Unmarshal(readEvent(t, sender, EventMessageSentAck), &ack); err != nil {
		t.Fatalf("Failed to unmarshal ack: %v", err)
	}
	if ack.ID == 0 {
		t.Error("expected ack to carry the assigned message id")
	}
	if ack.SentAt.IsZero() {
		t.Error("expected ack to carry the assigned timestamp")
	}

	for _, conn := range []*websocket.Conn{receiver1, receiver2} {
		var received models.Message
		if err := json.Unmarshal(readEvent(t, conn, EventMessageReceived), &received); err != nil {
			t.Fatalf("Failed to unmarshal received message: %v", err)
		}
		if received.ID != ack.ID || received.Body != "hello" {
			t.Errorf("expected message %d 'hello', got %+v", ack.ID, received)
		}
	}

	// Each connection gets the message exactly once, and the sender's own
	// connection never receives it.
	expectNoEvent(t, receiver1, EventMessageReceived)
	expectNoEvent(t, sender, EventMessageReceived)
}

func TestBroadcastExcludesSender(t *testing.T) {
	env := newTestEnv(t, 1, 2, 3)

	a := env.dial(t)
	b := env.dial(t)
	c := env.dial(t)

	identify(t, a, 1)
	identify(t, b, 2)
	identify(t, c, 3)

	sendEvent(t, a, EventSendMessage, SendMessagePayload{
		SenderID: 1,
		Message:  "all hands",
		Type:     string(models.MessageBroadcast),
	})

	var ack models.Message
	if err := json.Unmarshal(readEvent(t, a, EventMessageSentAck), &ack); err != nil {
		t.Fatalf("Failed to unmarshal ack: %v", err)
	}
	if ack.Type != models.MessageBroadcast || ack.ReceiverID != models.BroadcastReceiver {
		t.Errorf("expected normalized broadcast message, got %+v", ack)
	}

	for _, conn := range []*websocket.Conn{b, c} {
		var received models.Message
		if err := json.Unmarshal(readEvent(t, conn, EventMessageReceived), &received); err != nil {
			t.Fatalf("Failed to unmarshal received message: %v", err)
		}
		if received.Body != "all hands" {
			t.Errorf("expected broadcast body, got %+v", received)
		}
	}

	expectNoEvent(t, a, EventMessageReceived)
}

func TestMessageToOfflineReceiverIsStillPersisted(t *testing.T) {
	env := newTestEnv(t, 1, 2)
	sender := env.dial(t)
	identify(t, sender, 1)

	sendEvent(t, sender, EventSendMessage, SendMessagePayload{
		SenderID:   1,
		ReceiverID: 2,
		Message:    "are you there?",
		Type:       string(models.MessageDirect),
	})

	var ack models.Message
	if err := json.Unmarshal(readEvent(t, sender, EventMessageSentAck), &ack); err != nil {
		t.Fatalf("Failed to unmarshal ack: %v", err)
	}

	stored, ok := env.messages.get(ack.ID)
	if !ok {
		t.Fatal("expected message to be persisted despite offline receiver")
	}
	if stored.DeliveredAt != nil || stored.ReadAt != nil || stored.IsRead {
		t.Errorf("expected fresh message without delivery marks, got %+v", stored)
	}
}

func TestMarkDeliveredAndReadNotifySender(t *testing.T) {
	env := newTestEnv(t, 1, 2)

	receiver := env.dial(t)
	sender := env.dial(t)
	identify(t, receiver, 1)
	identify(t, sender, 2)

	sendEvent(t, sender, EventSendMessage, SendMessagePayload{
		SenderID:   2,
		ReceiverID: 1,
		Message:    "ping",
		Type:       string(models.MessageDirect),
	})
	var ack models.Message
	if err := json.Unmarshal(readEvent(t, sender, EventMessageSentAck), &ack); err != nil {
		t.Fatalf("Failed to unmarshal ack: %v", err)
	}

	sendEvent(t, receiver, EventMarkDelivered, MarkPayload{MessageID: ack.ID, UserID: 1})

	var update StatusUpdatePayload
	if err := json.Unmarshal(readEvent(t, sender, EventMessageStatusUpdate), &update); err != nil {
		t.Fatalf("Failed to unmarshal status update: %v", err)
	}
	if update.ID != ack.ID || update.Status != "delivered" || update.DeliveredAt == nil {
		t.Errorf("expected delivered update for message %d, got %+v", ack.ID, update)
	}

	sendEvent(t, receiver, EventMarkRead, MarkPayload{MessageID: ack.ID, UserID: 1})

	if err := json.Unmarshal(readEvent(t, sender, EventMessageStatusUpdate), &update); err != nil {
		t.Fatalf("Failed to unmarshal status update: %v", err)
	}
	if update.Status != "read" || update.ReadAt == nil {
		t.Errorf("expected read update, got %+v", update)
	}

	stored, _ := env.messages.get(ack.ID)
	if stored.DeliveredAt == nil || !stored.IsRead || stored.ReadAt == nil {
		t.Errorf("expected message in delivered+read state, got %+v", stored)
	}
}

func TestMarkReadBeforeDeliveredStaysRead(t *testing.T) {
	env := newTestEnv(t, 1, 2)

	receiver := env.dial(t)
	sender := env.dial(t)
	identify(t, receiver, 1)
	identify(t, sender, 2)

	sendEvent(t, sender, EventSendMessage, SendMessagePayload{
		SenderID:   2,
		ReceiverID: 1,
		Message:    "ping",
		Type:       string(models.MessageDirect),
	})
	var ack models.Message
	if err := json.Unmarshal(readEvent(t, sender, EventMessageSentAck), &ack); err != nil {
		t.Fatalf("Failed to unmarshal ack: %v", err)
	}

	// Read first, then a late delivery receipt: the read mark must survive.
	sendEvent(t, receiver, EventMarkRead, MarkPayload{MessageID: ack.ID, UserID: 1})
	readEvent(t, sender, EventMessageStatusUpdate)

	readAtBefore, _ := env.messages.get(ack.ID)

	sendEvent(t, receiver, EventMarkDelivered, MarkPayload{MessageID: ack.ID, UserID: 1})
	readEvent(t, sender, EventMessageStatusUpdate)

	stored, _ := env.messages.get(ack.ID)
	if !stored.IsRead || stored.ReadAt == nil {
		t.Errorf("expected read state to survive late delivery mark, got %+v", stored)
	}
	if !stored.ReadAt.Equal(*readAtBefore.ReadAt) {
		t.Error("expected read_at timestamp to be unchanged")
	}
}

func TestMarkUnknownMessageIsDroppedSilently(t *testing.T) {
	env := newTestEnv(t, 1)
	conn := env.dial(t)
	identify(t, conn, 1)

	sendEvent(t, conn, EventMarkDelivered, MarkPayload{MessageID: 999, UserID: 1})

	expectNoEvent(t, conn, EventError)
}

func TestDisconnectLeavesPresenceOnline(t *testing.T) {
	env := newTestEnv(t, 1)
	conn := env.dial(t)
	identify(t, conn, 1)

	_ = conn.Close()

	waitFor(t, func() bool { return env.hub.ActiveConnections(1) == 0 },
		"registry entry was not cleaned up after disconnect")

	// Demotion to OFFLINE is the reconciler's job, never disconnect's.
	rec, ok := env.presence.get(1)
	if !ok || rec.Status != models.PresenceOnline {
		t.Errorf("expected store record to stay ONLINE after disconnect, got %+v (exists=%t)", rec, ok)
	}
}

func TestHeartbeatWithoutIdentifyUpsertsPresence(t *testing.T) {
	env := newTestEnv(t, 5)
	conn := env.dial(t)

	sendEvent(t, conn, EventHeartbeat, IdentifyPayload{UserID: 5})

	waitFor(t, func() bool {
		rec, ok := env.presence.get(5)
		return ok && rec.Status == models.PresenceOnline
	}, "heartbeat for an unidentified user did not upsert the presence record")

	if env.hub.ActiveConnections(5) != 0 {
		t.Error("heartbeat must not register the connection")
	}
}

func TestReidentifyDetachesPreviousUser(t *testing.T) {
	env := newTestEnv(t, 1, 2)
	conn := env.dial(t)

	identify(t, conn, 1)
	identify(t, conn, 2)

	if env.hub.ActiveConnections(1) != 0 {
		t.Error("expected connection to be detached from previous user")
	}
	if env.hub.ActiveConnections(2) != 1 {
		t.Error("expected connection to be attached to new user")
	}
}
