package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crmdesk/backend/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// MessageStore owns the durable, ordered chat message log and its delivery
// state machine. sent_at is immutable; delivered_at and read_at only ever move
// from NULL to a timestamp, and only for direct messages.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates a MessageStore over the given pool.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const messageColumns = `
	id, sender_id, receiver_id, body, type,
	COALESCE(attachment_url, ''), COALESCE(attachment_type, ''),
	sent_at, delivered_at, read_at, is_read`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Body,
		&msg.Type,
		&msg.AttachmentURL,
		&msg.AttachmentType,
		&msg.SentAt,
		&msg.DeliveredAt,
		&msg.ReadAt,
		&msg.IsRead,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Create persists a new message and fills in its assigned id. SentAt is taken
// from the message as given; delivery and read marks start unset.
func (s *MessageStore) Create(ctx context.Context, msg *models.Message) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (sender_id, receiver_id, body, type, attachment_url, attachment_type, sent_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		RETURNING id
	`,
		msg.SenderID,
		msg.ReceiverID,
		msg.Body,
		msg.Type,
		msg.AttachmentURL,
		msg.AttachmentType,
		msg.SentAt,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// Get returns the message with the given id.
func (s *MessageStore) Get(ctx context.Context, id int64) (*models.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// MarkDelivered sets delivered_at if it is still unset and returns the
// resulting row. Calling it again, or after a read mark, never regresses
// state; broadcast messages are not eligible.
func (s *MessageStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (*models.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE messages
		SET delivered_at = COALESCE(delivered_at, $2)
		WHERE id = $1 AND type = $3
		RETURNING `+messageColumns+`
	`, id, at, models.MessageDirect))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return msg, nil
}

// MarkRead sets read_at/is_read if still unset and returns the resulting row.
// Reading before a delivery mark is valid (the terminal state is read); a
// later delivery mark cannot clear it. Broadcast messages are not eligible.
func (s *MessageStore) MarkRead(ctx context.Context, id int64, at time.Time) (*models.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE messages
		SET read_at = COALESCE(read_at, $2), is_read = TRUE
		WHERE id = $1 AND type = $3
		RETURNING `+messageColumns+`
	`, id, at, models.MessageDirect))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark message read: %w", err)
	}
	return msg, nil
}

// Conversation returns the direct messages exchanged between two users plus
// any broadcasts, ordered by sent_at. This is the catch-up fetch a client
// performs after reconnecting; the realtime core itself does not replay
// missed messages.
func (s *MessageStore) Conversation(ctx context.Context, userID, peerID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		   OR type = $3
		ORDER BY sent_at
		LIMIT $4
	`, userID, peerID, models.MessageBroadcast, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}
