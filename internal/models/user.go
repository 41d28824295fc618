package models

import (
	"time"
)

// User represents a platform user. Users are owned by the admin/auth
// subsystem; the realtime core only ever reads them.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
