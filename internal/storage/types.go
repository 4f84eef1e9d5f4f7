package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (or empty): SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User is one verified (or self-registered) user.
// Keep it compact and schema-stable.
type User struct {
	ID       int64
	Username string
	FullName string
	JoinedAt time.Time
}
