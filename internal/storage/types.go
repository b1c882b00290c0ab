package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyStore is returned by FetchLeastUsed when the pool has no records.
	ErrEmptyStore = errors.New("expansion store is empty")
	// ErrNotFound is returned by MarkUsed for an unknown record id.
	ErrNotFound = errors.New("expansion not found")
	// ErrUnavailable means the store could not be located or opened.
	ErrUnavailable = errors.New("store unavailable")
)

// Error reports a fault in the underlying storage.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "file": JSON snapshot file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Create allows Open to create a missing store. Only provisioning uses it.
	Create bool
}

// Record is one expansion in the pool.
type Record struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
	Used int64  `json:"used"`
}

// RunMetadata tracks whether the bot has started against this store before.
type RunMetadata struct {
	LastRun *time.Time
}

// HasRun reports whether a previous startup was recorded.
func (m RunMetadata) HasRun() bool { return m.LastRun != nil }

// Stats summarizes usage across the pool.
type Stats struct {
	Records   int
	MinUsed   int64
	MaxUsed   int64
	TotalUsed int64
}

// Spread is the gap between the most and least used records.
func (s Stats) Spread() int64 { return s.MaxUsed - s.MinUsed }

func (s Stats) String() string {
	return fmt.Sprintf("records=%d min=%d max=%d total=%d", s.Records, s.MinUsed, s.MaxUsed, s.TotalUsed)
}
