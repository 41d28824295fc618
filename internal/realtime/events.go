package realtime

import (
	"encoding/json"
	"time"

	"github.com/crmdesk/backend/internal/models"
)

// Client-to-server event types.
const (
	EventIdentify      = "identify"
	EventHeartbeat     = "heartbeat"
	EventSendMessage   = "send_message"
	EventMarkDelivered = "mark_delivered"
	EventMarkRead      = "mark_read"
)

// Server-to-client event types.
const (
	EventPresenceUpdate      = "presence_update"
	EventMessageReceived     = "message_received"
	EventMessageSentAck      = "message_sent_ack"
	EventMessageStatusUpdate = "message_status_update"
	EventError               = "error"
)

// Envelope frames every event on the wire: a type discriminator plus a
// type-specific payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// IdentifyPayload binds the connection to a user and marks them online.
// Heartbeats reuse the same shape.
type IdentifyPayload struct {
	UserID int64 `json:"user_id"`
}

// SendMessagePayload carries a new chat message. ReceiverID 0 or an explicit
// broadcast type means fan-out to everyone.
type SendMessagePayload struct {
	SenderID       int64  `json:"sender_id"`
	ReceiverID     int64  `json:"receiver_id"`
	Message        string `json:"message"`
	Type           string `json:"type"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	AttachmentType string `json:"attachment_type,omitempty"`
}

// MarkPayload acknowledges delivery or read of a message.
type MarkPayload struct {
	MessageID int64 `json:"message_id"`
	UserID    int64 `json:"user_id"`
}

// PresenceUpdatePayload notifies clients of a presence transition.
type PresenceUpdatePayload struct {
	UserID     int64                 `json:"user_id"`
	Status     models.PresenceStatus `json:"status"`
	LastSeenAt time.Time             `json:"last_seen_at"`
}

// StatusUpdatePayload notifies a sender that one of their messages moved to
// delivered or read.
type StatusUpdatePayload struct {
	ID          int64      `json:"id"`
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// ErrorPayload carries a human-readable rejection back to the caller.
type ErrorPayload struct {
	Message string `json:"message"`
}

// encodeEvent frames a payload into an envelope. Payloads are plain structs;
// a marshal failure here is a programming error, so it is reported as an
// empty error event rather than panicking the read loop.
func encodeEvent(eventType string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	framed, _ := json.Marshal(Envelope{Type: eventType, Payload: raw})
	return framed
}
