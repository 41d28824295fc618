package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/crmdesk/backend/internal/models"
)

// PresenceReader is the durable presence view consumed by the REST surface.
type PresenceReader interface {
	List(ctx context.Context) ([]models.PresenceRecord, error)
}

// PresenceHandler serves the "who is online / last seen" view.
type PresenceHandler struct {
	presence PresenceReader
}

// NewPresenceHandler creates a PresenceHandler.
func NewPresenceHandler(presence PresenceReader) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// GetPresence returns all presence records, most recently seen first.
func (h *PresenceHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	records, err := h.presence.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("PresenceHandler: failed to list presence")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []models.PresenceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": records})
}
