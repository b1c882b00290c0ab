package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "expansionbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const lastRunKey = "lastrun"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if cfg.Create {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, wrapErr("open", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// One connection serializes writers and keeps fetch/mark pairs ordered.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) FetchLeastUsed(ctx context.Context) (Record, error) {
	var r Record
	// RANDOM() is evaluated per row, so the order among equal counts is uniform.
	err := s.db.QueryRowContext(ctx,
		`SELECT id, expansion, used FROM expansions ORDER BY used ASC, RANDOM() LIMIT 1`,
	).Scan(&r.ID, &r.Text, &r.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrEmptyStore
	}
	if err != nil {
		return Record{}, wrapErr("fetch least used", err)
	}
	return r, nil
}

func (s *sqliteStore) MarkUsed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE expansions SET used = used + 1 WHERE id = ?`, id)
	if err != nil {
		return wrapErr("mark used", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("mark used", err)
	}
	if n == 0 {
		return fmt.Errorf("mark used %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) RunMetadata(ctx context.Context) (RunMetadata, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM info WHERE name = ? LIMIT 1`, lastRunKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return RunMetadata{}, nil
	}
	if err != nil {
		return RunMetadata{}, wrapErr("run metadata", err)
	}
	// A present row means the bot has run, even when the value is unreadable.
	t, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw.String))
	if perr != nil {
		s.log.Warn("lastrun value unreadable", logx.String("value", raw.String), logx.Err(perr))
		t = time.Time{}
	}
	return RunMetadata{LastRun: &t}, nil
}

func (s *sqliteStore) RecordRunNow(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("record run", err)
	}
	defer func() { _ = tx.Rollback() }()

	// UPDATE-then-INSERT works on legacy info tables without a unique name.
	res, err := tx.ExecContext(ctx, `UPDATE info SET value = ? WHERE name = ?`, now, lastRunKey)
	if err != nil {
		return wrapErr("record run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO info(name, value) VALUES(?, ?)`, lastRunKey, now); err != nil {
			return wrapErr("record run", err)
		}
	}
	return wrapErr("record run", tx.Commit())
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(used), 0), COALESCE(MAX(used), 0), COALESCE(SUM(used), 0) FROM expansions`,
	).Scan(&st.Records, &st.MinUsed, &st.MaxUsed, &st.TotalUsed)
	if err != nil {
		return Stats{}, wrapErr("stats", err)
	}
	return st, nil
}

// Seed inserts texts that are not already present and returns how many were added.
func (s *sqliteStore) Seed(ctx context.Context, texts []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("seed", err)
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO expansions(expansion, used)
			 SELECT ?, 0 WHERE NOT EXISTS (SELECT 1 FROM expansions WHERE expansion = ?)`, t, t)
		if err != nil {
			return 0, wrapErr("seed", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr("seed", err)
	}
	return added, nil
}
