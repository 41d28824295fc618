package models

import "time"

// JobStatus is the lifecycle state of an outbound email job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	// JobProcessing marks a job claimed by a worker but not yet dispatched.
	// A worker crash can strand a job here; the claim reaper returns jobs
	// whose claim has expired to pending.
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
)

// EmailJob is one outbound email awaiting dispatch. Jobs are created by
// mail-compose features and owned by the queue worker for state transitions.
type EmailJob struct {
	ID           int64      `json:"id"`
	AccountID    int64      `json:"account_id"`
	To           string     `json:"to"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	HTMLBody     string     `json:"html_body"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       JobStatus  `json:"status"`
	ClaimedAt    *time.Time `json:"claimed_at"`
	Error        *string    `json:"error"`
	RetryCount   int        `json:"retry_count"`
	SentAt       *time.Time `json:"sent_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// MailAccount holds the sending credentials for one outbound identity.
// The SMTP password is stored encrypted and only decrypted at dispatch time.
type MailAccount struct {
	ID                int64     `json:"id"`
	Email             string    `json:"email"`
	SMTPHost          string    `json:"smtp_host"`
	SMTPPort          int       `json:"smtp_port"`
	SMTPUsername      string    `json:"smtp_username"`
	EncryptedPassword []byte    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// ClaimedJob is an email job joined with its sending account, as returned by
// the worker's claim step.
type ClaimedJob struct {
	Job     EmailJob
	Account MailAccount
}

// SentMail is the write-once archive copy of a successfully dispatched job,
// shown in the sender's mailbox under "Sent".
type SentMail struct {
	ID        string    `json:"id"`
	AccountID int64     `json:"account_id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Snippet   string    `json:"snippet"`
	HTMLBody  string    `json:"html_body"`
	SentAt    time.Time `json:"sent_at"`
}
