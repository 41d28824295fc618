package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/crmdesk/backend/internal/crypto"
	"github.com/crmdesk/backend/internal/models"
)

// AccountWriter persists sending accounts.
type AccountWriter interface {
	Create(ctx context.Context, account *models.MailAccount) error
}

// AccountsHandler registers outbound mail accounts. The SMTP password is
// encrypted before it ever reaches the store and is never echoed back.
type AccountsHandler struct {
	accounts  AccountWriter
	encryptor *crypto.Encryptor
}

// NewAccountsHandler creates an AccountsHandler.
func NewAccountsHandler(accounts AccountWriter, encryptor *crypto.Encryptor) *AccountsHandler {
	return &AccountsHandler{accounts: accounts, encryptor: encryptor}
}

// CreateAccountRequest is the account registration payload.
type CreateAccountRequest struct {
	Email        string `json:"email"`
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
}

// PostAccount registers a sending account.
func (h *AccountsHandler) PostAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.SMTPHost == "" || req.SMTPPort == 0 || req.SMTPPassword == "" {
		http.Error(w, "email, smtp_host, smtp_port and smtp_password are required", http.StatusBadRequest)
		return
	}

	encrypted, err := h.encryptor.Encrypt(req.SMTPPassword)
	if err != nil {
		log.Error().Err(err).Msg("AccountsHandler: failed to encrypt password")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	account := &models.MailAccount{
		Email:             req.Email,
		SMTPHost:          req.SMTPHost,
		SMTPPort:          req.SMTPPort,
		SMTPUsername:      req.SMTPUsername,
		EncryptedPassword: encrypted,
	}
	if err := h.accounts.Create(r.Context(), account); err != nil {
		log.Error().Err(err).Msg("AccountsHandler: failed to create account")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}
