// Package selection decides which expansion is served next.
//
// Policies sit on top of storage.Store so a different rotation rule can be
// swapped in without touching persistence code.
package selection

import (
	"context"
	"fmt"
	"strings"

	"expansionbot/internal/storage"
)

// Policy picks the next record to serve. It must not mutate the store.
type Policy interface {
	SelectNext(ctx context.Context) (storage.Record, error)
}

// Fetcher is the store capability LeastUsed depends on.
type Fetcher interface {
	FetchLeastUsed(ctx context.Context) (storage.Record, error)
}

const PolicyLeastUsed = "least_used"

// LeastUsed serves a record with the lowest usage count, random among ties.
// Marking the record used after each serve keeps counts within one of each other.
type LeastUsed struct {
	store Fetcher
}

func NewLeastUsed(store Fetcher) *LeastUsed { return &LeastUsed{store: store} }

func (p *LeastUsed) SelectNext(ctx context.Context) (storage.Record, error) {
	return p.store.FetchLeastUsed(ctx)
}

// New returns the policy registered under name. An empty name means least_used.
func New(name string, store Fetcher) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyLeastUsed:
		return NewLeastUsed(store), nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", name)
	}
}
