package mailer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crmdesk/backend/internal/models"
)

// JobQueue is the worker's view of the durable email job table.
type JobQueue interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.ClaimedJob, error)
	MarkSent(ctx context.Context, jobID int64, sentAt time.Time) error
	MarkFailed(ctx context.Context, jobID int64, dispatchErr string, retryAt *time.Time) error
	ReleaseStuck(ctx context.Context, threshold time.Time) ([]int64, error)
}

// Archive receives the write-once "Sent" copies of dispatched mail.
type Archive interface {
	Create(ctx context.Context, rec *models.SentMail) error
}

// Decrypter opens stored SMTP credentials at dispatch time.
type Decrypter interface {
	Decrypt(ciphertext []byte) (string, error)
}

const snippetLength = 160

// claimTimeout bounds how long a claim may sit in processing before it is
// presumed orphaned by a dead worker. It must comfortably exceed the longest
// plausible SMTP session so a slow dispatch is never double-sent.
const claimTimeout = 10 * time.Minute

// Worker sweeps the email job table on a fixed interval, claims due pending
// jobs, and dispatches them through the transport. Delivery is at-least-once:
// the claim step is atomic (safe under concurrent workers), jobs in a batch
// are processed sequentially and independently, and a failing job is retried
// with exponential backoff until the retry ceiling, after which it is
// terminally failed and visible to operators via its status and error fields.
type Worker struct {
	jobs       JobQueue
	archive    Archive
	transport  Transport
	decrypter  Decrypter
	interval   time.Duration
	batchSize  int
	maxRetries int
	log        zerolog.Logger
	now        func() time.Time
}

// NewWorker creates a queue worker.
func NewWorker(jobs JobQueue, archive Archive, transport Transport, decrypter Decrypter,
	interval time.Duration, batchSize, maxRetries int, logger zerolog.Logger) *Worker {
	return &Worker{
		jobs:       jobs,
		archive:    archive,
		transport:  transport,
		decrypter:  decrypter,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		log:        logger.With().Str("component", "mail-worker").Logger(),
		now:        time.Now,
	}
}

// Run sweeps until the context is cancelled. No failure inside a sweep ever
// terminates the loop.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Int("batch_size", w.batchSize).Msg("mail worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("mail worker stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep first returns expired claims to pending, then claims one batch of due
// jobs and dispatches them sequentially. One job's failure never aborts the
// rest of the batch.
func (w *Worker) Sweep(ctx context.Context) {
	released, err := w.jobs.ReleaseStuck(ctx, w.now().UTC().Add(-claimTimeout))
	if err != nil {
		w.log.Error().Err(err).Msg("failed to release stuck jobs")
	} else if len(released) > 0 {
		w.log.Warn().Ints64("job_ids", released).Msg("released orphaned claims back to pending")
	}

	claimed, err := w.jobs.ClaimDue(ctx, w.now().UTC(), w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to claim due jobs")
		return
	}

	for _, cj := range claimed {
		w.dispatch(ctx, cj)
	}
}

func (w *Worker) dispatch(ctx context.Context, cj models.ClaimedJob) {
	job, account := cj.Job, cj.Account

	password, err := w.decrypter.Decrypt(account.EncryptedPassword)
	if err != nil {
		// Bad ciphertext is deterministic; retrying cannot fix it.
		w.fail(ctx, job, "credential decryption failed: "+err.Error(), false)
		return
	}

	mail := Mail{
		To:       job.To,
		Subject:  job.Subject,
		Body:     job.Body,
		HTMLBody: job.HTMLBody,
	}
	if err := w.transport.Send(ctx, account, password, mail); err != nil {
		w.fail(ctx, job, err.Error(), true)
		return
	}

	sentAt := w.now().UTC()
	if err := w.jobs.MarkSent(ctx, job.ID, sentAt); err != nil {
		w.log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to mark job sent")
		return
	}

	rec := &models.SentMail{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		To:        job.To,
		Subject:   job.Subject,
		Snippet:   snippet(job.Body),
		HTMLBody:  job.HTMLBody,
		SentAt:    sentAt,
	}
	if err := w.archive.Create(ctx, rec); err != nil {
		// The mail is already on the wire; losing the archive copy costs the
		// sender their "Sent" view, not the delivery.
		w.log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to archive sent mail")
		return
	}

	w.log.Info().Int64("job_id", job.ID).Int64("account_id", account.ID).
		Str("to", job.To).Msg("dispatched email job")
}

// fail records a dispatch failure. A retryable failure below the retry
// ceiling sends the job back to pending with its schedule pushed out
// exponentially; at the ceiling, or for a non-retryable failure, it is
// terminally failed.
func (w *Worker) fail(ctx context.Context, job models.EmailJob, dispatchErr string, retryable bool) {
	attempts := job.RetryCount + 1

	var retryAt *time.Time
	if retryable && attempts < w.maxRetries {
		at := w.now().UTC().Add(backoff(attempts))
		retryAt = &at
	}

	if err := w.jobs.MarkFailed(ctx, job.ID, dispatchErr, retryAt); err != nil {
		w.log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to mark job failed")
		return
	}

	event := w.log.Warn().Int64("job_id", job.ID).Int("attempts", attempts).Str("error", dispatchErr)
	if retryAt != nil {
		event.Time("retry_at", *retryAt).Msg("email dispatch failed, will retry")
	} else {
		event.Msg("email dispatch failed permanently")
	}
}

// backoff returns the delay before retry n (1-based): 1m, 2m, 4m, 8m, ...
func backoff(attempt int) time.Duration {
	d := time.Minute
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// snippet truncates the plain-text body for the mailbox list view.
func snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= snippetLength {
		return body
	}
	return string(runes[:snippetLength]) + "…"
}
