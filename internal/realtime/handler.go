package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crmdesk/backend/internal/db"
	"github.com/crmdesk/backend/internal/models"
	ws "github.com/crmdesk/backend/internal/websocket"
)

// UserDirectory is the external lookup for user existence. The core never
// creates or deletes users.
type UserDirectory interface {
	Exists(ctx context.Context, userID int64) (bool, error)
}

// PresenceWriter is the durable presence store as seen by the session handler.
type PresenceWriter interface {
	Upsert(ctx context.Context, userID int64, status models.PresenceStatus, lastSeenAt time.Time) error
}

// MessageWriter is the durable message store as seen by the session handler.
type MessageWriter interface {
	Create(ctx context.Context, msg *models.Message) error
	MarkDelivered(ctx context.Context, id int64, at time.Time) (*models.Message, error)
	MarkRead(ctx context.Context, id int64, at time.Time) (*models.Message, error)
}

// Handler owns the per-connection protocol: identification, heartbeats,
// message send/ack, delivery receipts, and disconnect cleanup. Nothing in
// here is fatal: every per-event failure is logged and contained, so a bad
// frame or a store hiccup degrades freshness instead of crashing the loop.
type Handler struct {
	hub      *ws.Hub
	users    UserDirectory
	presence PresenceWriter
	messages MessageWriter
	log      zerolog.Logger
}

// NewHandler creates a session handler over the given registry and stores.
func NewHandler(hub *ws.Hub, users UserDirectory, presence PresenceWriter, messages MessageWriter, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		users:    users,
		presence: presence,
		messages: messages,
		log:      logger.With().Str("component", "realtime").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Deployed behind the admin platform's reverse proxy; origin checks
		// happen there.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and runs its read loop
// until the client goes away.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := h.hub.Add(conn)
	h.log.Debug().Str("conn_id", client.ID()).Msg("connection established")

	go h.readLoop(client)
}

// readLoop multiplexes incoming events until the connection closes, then
// performs disconnect cleanup. Dropping the registry entry does not write
// OFFLINE or broadcast anything: sockets close on every page refresh, and
// only the stale-presence sweeper decides a user is actually away.
func (h *Handler) readLoop(client *ws.Client) {
	defer func() {
		userID, wasLast, identified := h.hub.Remove(client)
		if identified {
			h.log.Debug().Str("conn_id", client.ID()).Int64("user_id", userID).
				Bool("last_connection", wasLast).Msg("connection closed")
		}
	}()

	ctx := context.Background()
	for {
		_, raw, err := client.Conn().ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.sendError(client, "malformed event")
			continue
		}

		switch env.Type {
		case EventIdentify:
			h.handleIdentify(ctx, client, env.Payload)
		case EventHeartbeat:
			h.handleHeartbeat(ctx, env.Payload)
		case EventSendMessage:
			h.handleSendMessage(ctx, client, env.Payload)
		case EventMarkDelivered:
			h.handleMark(ctx, env.Payload, false)
		case EventMarkRead:
			h.handleMark(ctx, env.Payload, true)
		default:
			h.sendError(client, "unknown event type")
		}
	}
}

// handleIdentify registers the connection under the user, marks the user
// ONLINE in the durable store, and broadcasts the transition. An unknown user
// id is rejected with an explicit error event; nothing is mutated.
func (h *Handler) handleIdentify(ctx context.Context, client *ws.Client, payload json.RawMessage) {
	var p IdentifyPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == 0 {
		h.sendError(client, "identify requires a user_id")
		return
	}

	exists, err := h.users.Exists(ctx, p.UserID)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", p.UserID).Msg("user lookup failed")
		h.sendError(client, "identify failed")
		return
	}
	if !exists {
		h.log.Warn().Int64("user_id", p.UserID).Msg("identify rejected: unknown user")
		h.sendError(client, "unknown user")
		return
	}

	if !h.hub.Attach(client, p.UserID) {
		h.sendError(client, "too many connections for this user")
		return
	}

	now := time.Now().UTC()
	if err := h.presence.Upsert(ctx, p.UserID, models.PresenceOnline, now); err != nil {
		// The registry entry stands; the next heartbeat retries the write.
		h.log.Error().Err(err).Int64("user_id", p.UserID).Msg("presence upsert failed on identify")
	}

	h.hub.BroadcastAll(encodeEvent(EventPresenceUpdate, PresenceUpdatePayload{
		UserID:     p.UserID,
		Status:     models.PresenceOnline,
		LastSeenAt: now,
	}))
}

// handleHeartbeat refreshes the durable presence record, keyed by user rather
// than by connection: a heartbeat for a user that never identified on this
// connection still lands. Status transitions are not re-broadcast here; only
// identify and the sweeper announce changes.
func (h *Handler) handleHeartbeat(ctx context.Context, payload json.RawMessage) {
	var p IdentifyPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == 0 {
		return
	}

	if err := h.presence.Upsert(ctx, p.UserID, models.PresenceOnline, time.Now().UTC()); err != nil {
		// A failed heartbeat write does not disconnect the socket; the next
		// heartbeat simply retries.
		h.log.Error().Err(err).Int64("user_id", p.UserID).Msg("presence upsert failed on heartbeat")
	}
}

// handleSendMessage persists the message, fans it out, and acks the sender
// with the persisted row so optimistic UI state can pick up the assigned id
// and timestamp. An offline receiver still gets the message persisted; they
// fetch history on reconnect.
func (h *Handler) handleSendMessage(ctx context.Context, client *ws.Client, payload json.RawMessage) {
	var p SendMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SenderID == 0 || p.Message == "" {
		h.sendError(client, "invalid message payload")
		return
	}

	msg := &models.Message{
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Body:           p.Message,
		Type:           models.MessageDirect,
		AttachmentURL:  p.AttachmentURL,
		AttachmentType: p.AttachmentType,
		SentAt:         time.Now().UTC(),
	}
	if p.Type == string(models.MessageBroadcast) || p.ReceiverID == models.BroadcastReceiver {
		msg.Type = models.MessageBroadcast
		msg.ReceiverID = models.BroadcastReceiver
	}

	if err := h.messages.Create(ctx, msg); err != nil {
		h.log.Error().Err(err).Int64("sender_id", p.SenderID).Msg("message persist failed")
		h.sendError(client, "failed to persist message")
		return
	}

	received := encodeEvent(EventMessageReceived, msg)
	if msg.IsBroadcast() {
		h.hub.BroadcastExcept(client.ID(), received)
	} else {
		h.hub.SendToUser(msg.ReceiverID, received)
	}

	if err := client.Send(encodeEvent(EventMessageSentAck, msg)); err != nil {
		h.log.Warn().Err(err).Str("conn_id", client.ID()).Msg("failed to ack sender")
	}
}

// handleMark advances the message state machine (delivered or read) and
// notifies the sender's live connections. A nonexistent message id is
// dropped with a log line only; a repeated mark is a no-op and never
// regresses state.
func (h *Handler) handleMark(ctx context.Context, payload json.RawMessage, read bool) {
	var p MarkPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.MessageID == 0 {
		return
	}

	now := time.Now().UTC()
	var (
		msg *models.Message
		err error
	)
	if read {
		msg, err = h.messages.MarkRead(ctx, p.MessageID, now)
	} else {
		msg, err = h.messages.MarkDelivered(ctx, p.MessageID, now)
	}
	if errors.Is(err, db.ErrMessageNotFound) {
		h.log.Debug().Int64("message_id", p.MessageID).Bool("read", read).
			Msg("mark dropped: message not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("message_id", p.MessageID).Msg("mark failed")
		return
	}

	update := StatusUpdatePayload{ID: msg.ID}
	if read {
		update.Status = "read"
		update.ReadAt = msg.ReadAt
	} else {
		update.Status = "delivered"
		update.DeliveredAt = msg.DeliveredAt
	}
	h.hub.SendToUser(msg.SenderID, encodeEvent(EventMessageStatusUpdate, update))
}

func (h *Handler) sendError(client *ws.Client, message string) {
	if err := client.Send(encodeEvent(EventError, ErrorPayload{Message: message})); err != nil {
		h.log.Warn().Err(err).Str("conn_id", client.ID()).Msg("failed to send error event")
	}
}
