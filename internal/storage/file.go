package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "expansionbot/pkg/logx"
)

// fileStore keeps the whole pool in memory and rewrites a JSON snapshot
// (tmp file + rename) after every mutation.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	rng  *rand.Rand
	data fileSnapshot
}

type fileSnapshot struct {
	NextID  int64      `json:"next_id"`
	Records []Record   `json:"records"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	s := &fileStore{
		log:  log,
		path: cfg.Path,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		data: fileSnapshot{NextID: 1},
	}
	b, err := os.ReadFile(cfg.Path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(b))) > 0 {
			if err := json.Unmarshal(b, &s.data); err != nil {
				return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, cfg.Path, err)
			}
		}
	case errors.Is(err, os.ErrNotExist) && cfg.Create:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, wrapErr("open", err)
		}
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, r := range s.data.Records {
		if r.ID >= s.data.NextID {
			s.data.NextID = r.ID + 1
		}
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) FetchLeastUsed(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, wrapErr("fetch least used", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data.Records) == 0 {
		return Record{}, ErrEmptyStore
	}

	// Reservoir sampling over the tied minimum: one pass, uniform choice.
	var (
		pick Record
		seen int
	)
	for _, r := range s.data.Records {
		switch {
		case seen == 0 || r.Used < pick.Used:
			pick, seen = r, 1
		case r.Used == pick.Used:
			seen++
			if s.rng.Intn(seen) == 0 {
				pick = r
			}
		}
	}
	return pick, nil
}

func (s *fileStore) MarkUsed(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("mark used", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.Records {
		if s.data.Records[i].ID == id {
			s.data.Records[i].Used++
			if err := s.flushLocked(); err != nil {
				s.data.Records[i].Used--
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("mark used %d: %w", id, ErrNotFound)
}

func (s *fileStore) RunMetadata(ctx context.Context) (RunMetadata, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.LastRun == nil {
		return RunMetadata{}, nil
	}
	t := *s.data.LastRun
	return RunMetadata{LastRun: &t}, nil
}

func (s *fileStore) RecordRunNow(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.data.LastRun
	now := time.Now().UTC()
	s.data.LastRun = &now
	if err := s.flushLocked(); err != nil {
		s.data.LastRun = prev
		return err
	}
	return nil
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for i, r := range s.data.Records {
		if i == 0 || r.Used < st.MinUsed {
			st.MinUsed = r.Used
		}
		if r.Used > st.MaxUsed {
			st.MaxUsed = r.Used
		}
		st.TotalUsed += r.Used
	}
	st.Records = len(s.data.Records)
	return st, nil
}

func (s *fileStore) Seed(ctx context.Context, texts []string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	have := make(map[string]struct{}, len(s.data.Records))
	for _, r := range s.data.Records {
		have[r.Text] = struct{}{}
	}
	prev := len(s.data.Records)
	prevNext := s.data.NextID
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := have[t]; ok {
			continue
		}
		have[t] = struct{}{}
		s.data.Records = append(s.data.Records, Record{ID: s.data.NextID, Text: t})
		s.data.NextID++
	}
	added := len(s.data.Records) - prev
	if added == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		s.data.Records = s.data.Records[:prev]
		s.data.NextID = prevNext
		return 0, err
	}
	return added, nil
}

func (s *fileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return wrapErr("flush", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return wrapErr("flush", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return wrapErr("flush", err)
	}
	return nil
}
