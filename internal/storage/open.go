package storage

import (
	"context"
	"errors"
	"strings"

	logx "gatebot/pkg/logx"
)

// Store is the persistence API used by the verification service and the
// admin commands.
type Store interface {
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, bool, error)
	CountUsers(ctx context.Context) (int, error)
	AllUserIDs(ctx context.Context) ([]int64, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
