package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/crmdesk/backend/internal/models"
)

// ConversationStore is the message history view consumed by the REST surface.
// This is the "separate fetch" a client performs after reconnecting; the
// realtime core never replays missed messages itself.
type ConversationStore interface {
	Conversation(ctx context.Context, userID, peerID int64, limit int) ([]models.Message, error)
}

// MessagesHandler serves direct-conversation history.
type MessagesHandler struct {
	messages ConversationStore
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(messages ConversationStore) *MessagesHandler {
	return &MessagesHandler{messages: messages}
}

// GetMessages returns the messages between user_id and peer_id (plus
// broadcasts), oldest first.
func (h *MessagesHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := queryInt64(r, "user_id")
	peerID := queryInt64(r, "peer_id")
	if userID == 0 || peerID == 0 {
		http.Error(w, "user_id and peer_id are required", http.StatusBadRequest)
		return
	}

	messages, err := h.messages.Conversation(r.Context(), userID, peerID, queryLimit(r, 100))
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Int64("peer_id", peerID).
			Msg("MessagesHandler: failed to load conversation")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
