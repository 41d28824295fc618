package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crmdesk/backend/internal/models"
)

// ErrUserNotFound is returned when a requested user does not exist.
var ErrUserNotFound = errors.New("user not found")

// UserDirectory is the read-mostly view of the users owned by the admin/auth
// subsystem. The realtime core only checks existence; CreateUser exists for
// seeding and tests.
type UserDirectory struct {
	pool *pgxpool.Pool
}

// NewUserDirectory creates a UserDirectory over the given pool.
func NewUserDirectory(pool *pgxpool.Pool) *UserDirectory {
	return &UserDirectory{pool: pool}
}

// Exists reports whether a user with the given id exists.
func (d *UserDirectory) Exists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)
	`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return exists, nil
}

// GetUser returns the user with the given id.
func (d *UserDirectory) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	err := d.pool.QueryRow(ctx, `
		SELECT id, email, name, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// CreateUser inserts a user and returns its id. Existing emails are reused.
func (d *UserDirectory) CreateUser(ctx context.Context, email, name string) (int64, error) {
	var userID int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO users (email, name)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, email, name).Scan(&userID)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return userID, nil
}
