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

// ErrAccountNotFound is returned when a requested mail account does not exist.
var ErrAccountNotFound = errors.New("mail account not found")

// AccountStore holds the outbound mail identities and their encrypted SMTP
// credentials.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an AccountStore over the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Create inserts a mail account. The password must already be encrypted.
func (s *AccountStore) Create(ctx context.Context, account *models.MailAccount) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mail_accounts (email, smtp_host, smtp_port, smtp_username, encrypted_password)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`,
		account.Email,
		account.SMTPHost,
		account.SMTPPort,
		account.SMTPUsername,
		account.EncryptedPassword,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create mail account: %w", err)
	}
	return nil
}

// Get returns the mail account with the given id.
func (s *AccountStore) Get(ctx context.Context, id int64) (*models.MailAccount, error) {
	var account models.MailAccount
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, smtp_host, smtp_port, smtp_username, encrypted_password, created_at
		FROM mail_accounts
		WHERE id = $1
	`, id).Scan(
		&account.ID,
		&account.Email,
		&account.SMTPHost,
		&account.SMTPPort,
		&account.SMTPUsername,
		&account.EncryptedPassword,
		&account.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mail account: %w", err)
	}
	return &account, nil
}

// JobStore owns the durable outbound email queue. Jobs are created by
// mail-compose features; only the queue worker moves them through
// pending -> processing -> sent/failed (or back to pending for a retry).
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a JobStore over the given pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// Enqueue inserts a pending job and fills in its id and created_at.
func (s *JobStore) Enqueue(ctx context.Context, job *models.EmailJob) error {
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = time.Now().UTC()
	}
	job.Status = models.JobPending

	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_jobs (account_id, recipient, subject, body, html_body, scheduled_for, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`,
		job.AccountID,
		job.To,
		job.Subject,
		job.Body,
		job.HTMLBody,
		job.ScheduledFor,
		job.Status,
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue email job: %w", err)
	}
	return nil
}

// ClaimDue atomically claims up to limit due pending jobs, joined with their
// sending accounts. The claim flips status to 'processing' and stamps
// claimed_at inside a single statement with SKIP LOCKED row locking, so
// concurrent workers never double-send the same job.
func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.ClaimedJob, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE email_jobs
			SET status = $1, claimed_at = $3
			WHERE id IN (
				SELECT id FROM email_jobs
				WHERE status = $2 AND scheduled_for <= $3
				ORDER BY scheduled_for
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, account_id, recipient, subject, body, html_body,
			          scheduled_for, status, claimed_at, error, retry_count, sent_at, created_at
		)
		SELECT c.id, c.account_id, c.recipient, c.subject, c.body, c.html_body,
		       c.scheduled_for, c.status, c.claimed_at, c.error, c.retry_count, c.sent_at, c.created_at,
		       a.id, a.email, a.smtp_host, a.smtp_port, a.smtp_username, a.encrypted_password, a.created_at
		FROM claimed c
		JOIN mail_accounts a ON a.id = c.account_id
		ORDER BY c.scheduled_for
	`, models.JobProcessing, models.JobPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim email jobs: %w", err)
	}
	defer rows.Close()

	var claimed []models.ClaimedJob
	for rows.Next() {
		var cj models.ClaimedJob
		err := rows.Scan(
			&cj.Job.ID,
			&cj.Job.AccountID,
			&cj.Job.To,
			&cj.Job.Subject,
			&cj.Job.Body,
			&cj.Job.HTMLBody,
			&cj.Job.ScheduledFor,
			&cj.Job.Status,
			&cj.Job.ClaimedAt,
			&cj.Job.Error,
			&cj.Job.RetryCount,
			&cj.Job.SentAt,
			&cj.Job.CreatedAt,
			&cj.Account.ID,
			&cj.Account.Email,
			&cj.Account.SMTPHost,
			&cj.Account.SMTPPort,
			&cj.Account.SMTPUsername,
			&cj.Account.EncryptedPassword,
			&cj.Account.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		claimed = append(claimed, cj)
	}
	return claimed, rows.Err()
}

// MarkSent records a successful dispatch; the job is terminal.
func (s *JobStore) MarkSent(ctx context.Context, jobID int64, sentAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = $2, sent_at = $3, error = NULL, claimed_at = NULL
		WHERE id = $1
	`, jobID, models.JobSent, sentAt)
	if err != nil {
		return fmt.Errorf("failed to mark job sent: %w", err)
	}
	return nil
}

// MarkFailed records a dispatch failure and increments retry_count. When
// retryAt is non-nil the job returns to pending with scheduled_for pushed to
// retryAt, so a later sweep picks it up again; otherwise it is terminally
// failed.
func (s *JobStore) MarkFailed(ctx context.Context, jobID int64, dispatchErr string, retryAt *time.Time) error {
	var err error
	if retryAt != nil {
		_, err = s.pool.Exec(ctx, `
			UPDATE email_jobs
			SET status = $2, error = $3, retry_count = retry_count + 1,
			    scheduled_for = $4, claimed_at = NULL
			WHERE id = $1
		`, jobID, models.JobPending, dispatchErr, *retryAt)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE email_jobs
			SET status = $2, error = $3, retry_count = retry_count + 1, claimed_at = NULL
			WHERE id = $1
		`, jobID, models.JobFailed, dispatchErr)
	}
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// ReleaseStuck returns processing jobs whose claim is older than the threshold
// to pending, and reports which ids were released. A claim only goes stale
// when the worker that took it died mid-dispatch (or lost its terminal write),
// so releasing it preserves at-least-once delivery across crashes.
func (s *JobStore) ReleaseStuck(ctx context.Context, threshold time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE email_jobs
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3
		RETURNING id
	`, models.JobPending, models.JobProcessing, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to release stuck jobs: %w", err)
	}
	defer rows.Close()

	var released []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan released job id: %w", err)
		}
		released = append(released, id)
	}
	return released, rows.Err()
}

// List returns jobs, optionally filtered by status, newest first.
func (s *JobStore) List(ctx context.Context, status models.JobStatus, limit int) ([]models.EmailJob, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, recipient, subject, body, html_body,
		       scheduled_for, status, claimed_at, error, retry_count, sent_at, created_at
		FROM email_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list email jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.EmailJob
	for rows.Next() {
		var job models.EmailJob
		err := rows.Scan(
			&job.ID,
			&job.AccountID,
			&job.To,
			&job.Subject,
			&job.Body,
			&job.HTMLBody,
			&job.ScheduledFor,
			&job.Status,
			&job.ClaimedAt,
			&job.Error,
			&job.RetryCount,
			&job.SentAt,
			&job.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ArchiveStore holds the write-once "Sent" mailbox copies of dispatched mail.
type ArchiveStore struct {
	pool *pgxpool.Pool
}

// NewArchiveStore creates an ArchiveStore over the given pool.
func NewArchiveStore(pool *pgxpool.Pool) *ArchiveStore {
	return &ArchiveStore{pool: pool}
}

// Create inserts an archive record.
func (s *ArchiveStore) Create(ctx context.Context, rec *models.SentMail) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sent_mail (id, account_id, recipient, subject, snippet, html_body, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		rec.ID,
		rec.AccountID,
		rec.To,
		rec.Subject,
		rec.Snippet,
		rec.HTMLBody,
		rec.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sent-mail record: %w", err)
	}
	return nil
}

// ListByAccount returns an account's sent mail, newest first.
func (s *ArchiveStore) ListByAccount(ctx context.Context, accountID int64, limit int) ([]models.SentMail, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, recipient, subject, snippet, html_body, sent_at
		FROM sent_mail
		WHERE account_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent mail: %w", err)
	}
	defer rows.Close()

	var records []models.SentMail
	for rows.Next() {
		var rec models.SentMail
		err := rows.Scan(
			&rec.ID,
			&rec.AccountID,
			&rec.To,
			&rec.Subject,
			&rec.Snippet,
			&rec.HTMLBody,
			&rec.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sent-mail record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
