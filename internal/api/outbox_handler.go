package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crmdesk/backend/internal/db"
	"github.com/crmdesk/backend/internal/models"
)

// OutboxStore is the email queue as seen by mail-compose features: enqueue
// plus listing. State transitions belong to the queue worker alone.
type OutboxStore interface {
	Enqueue(ctx context.Context, job *models.EmailJob) error
	List(ctx context.Context, status models.JobStatus, limit int) ([]models.EmailJob, error)
}

// AccountReader resolves sending accounts for validation.
type AccountReader interface {
	Get(ctx context.Context, id int64) (*models.MailAccount, error)
}

// SentMailReader lists the sent-mail archive.
type SentMailReader interface {
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.SentMail, error)
}

// OutboxHandler exposes the outbound email queue: composing enqueues a job,
// the mailbox UI reads job status (including failures) and the sent archive.
type OutboxHandler struct {
	jobs     OutboxStore
	accounts AccountReader
	sent     SentMailReader
}

// NewOutboxHandler creates an OutboxHandler.
func NewOutboxHandler(jobs OutboxStore, accounts AccountReader, sent SentMailReader) *OutboxHandler {
	return &OutboxHandler{jobs: jobs, accounts: accounts, sent: sent}
}

// EnqueueRequest is the compose payload.
type EnqueueRequest struct {
	AccountID    int64      `json:"account_id"`
	To           string     `json:"to"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	HTMLBody     string     `json:"html_body"`
	ScheduledFor *time.Time `json:"scheduled_for"`
}

// PostOutbox validates the sending account and enqueues a pending job.
// Dispatch happens asynchronously on the worker's next sweep.
func (h *OutboxHandler) PostOutbox(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.AccountID == 0 || req.To == "" || req.Subject == "" {
		http.Error(w, "account_id, to and subject are required", http.StatusBadRequest)
		return
	}

	if _, err := h.accounts.Get(r.Context(), req.AccountID); err != nil {
		if errors.Is(err, db.ErrAccountNotFound) {
			http.Error(w, "Unknown mail account", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Int64("account_id", req.AccountID).
			Msg("OutboxHandler: failed to resolve account")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	job := &models.EmailJob{
		AccountID: req.AccountID,
		To:        req.To,
		Subject:   req.Subject,
		Body:      req.Body,
		HTMLBody:  req.HTMLBody,
	}
	if req.ScheduledFor != nil {
		job.ScheduledFor = *req.ScheduledFor
	}

	if err := h.jobs.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).Msg("OutboxHandler: failed to enqueue job")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// GetOutbox lists jobs, optionally filtered by ?status=.
func (h *OutboxHandler) GetOutbox(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))

	jobs, err := h.jobs.List(r.Context(), status, queryLimit(r, 100))
	if err != nil {
		log.Error().Err(err).Msg("OutboxHandler: failed to list jobs")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if jobs == nil {
		jobs = []models.EmailJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetSent lists an account's sent-mail archive, newest first.
func (h *OutboxHandler) GetSent(w http.ResponseWriter, r *http.Request) {
	accountID := queryInt64(r, "account_id")
	if accountID == 0 {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	records, err := h.sent.ListByAccount(r.Context(), accountID, queryLimit(r, 100))
	if err != nil {
		log.Error().Err(err).Int64("account_id", accountID).
			Msg("OutboxHandler: failed to list sent mail")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []models.SentMail{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": records})
}
