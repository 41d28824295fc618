package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crmdesk/backend/internal/models"
)

// PresenceStore owns the durable presence records: at most one row per user,
// upserted on identify and on every heartbeat, demoted to OFFLINE only by the
// stale-presence sweeper. Rows are never deleted.
type PresenceStore struct {
	pool *pgxpool.Pool
}

// NewPresenceStore creates a PresenceStore over the given pool.
func NewPresenceStore(pool *pgxpool.Pool) *PresenceStore {
	return &PresenceStore{pool: pool}
}

// Upsert writes the user's presence record, creating it if absent. Heartbeats
// go through here unconditionally: the upsert is keyed by user, not by
// connection, so a heartbeat for a user that never identified on this
// connection still lands.
func (s *PresenceStore) Upsert(ctx context.Context, userID int64, status models.PresenceStatus, lastSeenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO presence (user_id, status, last_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at
	`, userID, status, lastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

// Get returns the presence record for a user, or nil if none exists yet.
func (s *PresenceStore) Get(ctx context.Context, userID int64) (*models.PresenceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, status, last_seen_at
		FROM presence
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var rec models.PresenceRecord
	if err := rows.Scan(&rec.UserID, &rec.Status, &rec.LastSeenAt); err != nil {
		return nil, fmt.Errorf("failed to scan presence: %w", err)
	}
	return &rec, nil
}

// List returns all presence records, most recently seen first.
func (s *PresenceStore) List(ctx context.Context) ([]models.PresenceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, status, last_seen_at
		FROM presence
		ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	defer rows.Close()

	var records []models.PresenceRecord
	for rows.Next() {
		var rec models.PresenceRecord
		if err := rows.Scan(&rec.UserID, &rec.Status, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkStaleOffline demotes every ONLINE record whose last heartbeat is older
// than the threshold, and returns the demoted records so the caller can
// broadcast the transitions.
func (s *PresenceStore) MarkStaleOffline(ctx context.Context, threshold time.Time) ([]models.PresenceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE presence
		SET status = $1
		WHERE status = $2 AND last_seen_at < $3
		RETURNING user_id, status, last_seen_at
	`, models.PresenceOffline, models.PresenceOnline, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale presence offline: %w", err)
	}
	defer rows.Close()

	var demoted []models.PresenceRecord
	for rows.Next() {
		var rec models.PresenceRecord
		if err := rows.Scan(&rec.UserID, &rec.Status, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan demoted presence: %w", err)
		}
		demoted = append(demoted, rec)
	}
	return demoted, rows.Err()
}
