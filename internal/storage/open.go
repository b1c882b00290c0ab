package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	logx "expansionbot/pkg/logx"
)

// Store is the persistence API used by the selection policy, the bootstrap
// policy and the responder.
type Store interface {
	// FetchLeastUsed returns a record with minimal usage, random among ties.
	// It never mutates state.
	FetchLeastUsed(ctx context.Context) (Record, error)
	// MarkUsed increments the usage count of id by exactly one.
	MarkUsed(ctx context.Context, id int64) error

	RunMetadata(ctx context.Context) (RunMetadata, error)
	// RecordRunNow sets the last-run timestamp to now, creating it if absent.
	RecordRunNow(ctx context.Context) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Seeder provisions records. It is not part of Store because the bot itself
// never creates records.
type Seeder interface {
	Seed(ctx context.Context, texts []string) (int, error)
}

// Open initializes the configured store.
//
// Unless cfg.Create is set, the store path must already exist; a missing
// path returns an error wrapping ErrUnavailable.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: storage.path is required", ErrUnavailable)
	}
	cfg.Path = path
	if log.IsZero() {
		log = logx.Nop()
	}
	if !cfg.Create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: database path %s does not exist or is not readable: %v", ErrUnavailable, path, err)
		}
	}

	switch driver {
	case "file", "json":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
