package models

import "time"

// MessageType distinguishes direct messages from broadcasts.
type MessageType string

const (
	MessageDirect    MessageType = "direct"
	MessageBroadcast MessageType = "broadcast"
)

// BroadcastReceiver is the receiver_id sentinel meaning "everyone".
const BroadcastReceiver int64 = 0

// Message is a persisted chat message with a three-state delivery lifecycle:
// sent (always), delivered, read. SentAt is set at creation and immutable;
// DeliveredAt and ReadAt only ever transition from nil to a timestamp.
// Broadcast messages never acquire delivery or read marks.
type Message struct {
	ID             int64       `json:"id"`
	SenderID       int64       `json:"sender_id"`
	ReceiverID     int64       `json:"receiver_id"`
	Body           string      `json:"body"`
	Type           MessageType `json:"type"`
	AttachmentURL  string      `json:"attachment_url,omitempty"`
	AttachmentType string      `json:"attachment_type,omitempty"`
	SentAt         time.Time   `json:"sent_at"`
	DeliveredAt    *time.Time  `json:"delivered_at"`
	ReadAt         *time.Time  `json:"read_at"`
	IsRead         bool        `json:"is_read"`
}

// IsBroadcast reports whether the message fans out to all connections.
func (m *Message) IsBroadcast() bool {
	return m.Type == MessageBroadcast || m.ReceiverID == BroadcastReceiver
}
