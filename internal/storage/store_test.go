package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "expansionbot/pkg/logx"
)

var drivers = []struct {
	name string
	file string
}{
	{name: "sqlite", file: "expansions.db"},
	{name: "file", file: "expansions.json"},
}

func openTemp(t *testing.T, driver, file string, texts ...string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), file), Create: true}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if len(texts) > 0 {
		n, err := st.(Seeder).Seed(context.Background(), texts)
		require.NoError(t, err)
		require.Equal(t, len(texts), n)
	}
	return st
}

func setUsed(t *testing.T, st Store, id, used int64) {
	t.Helper()
	switch s := st.(type) {
	case *sqliteStore:
		_, err := s.db.Exec(`UPDATE expansions SET used = ? WHERE id = ?`, used, id)
		require.NoError(t, err)
	case *fileStore:
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := range s.data.Records {
			if s.data.Records[i].ID == id {
				s.data.Records[i].Used = used
			}
		}
	default:
		t.Fatalf("unexpected store type %T", st)
	}
}

func TestOpenMissingPath(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		_, err := Open(Config{Driver: d.name, Path: filepath.Join(t.TempDir(), "nope", d.file)}, logx.Nop())
		require.Error(t, err, d.name)
		assert.True(t, errors.Is(err, ErrUnavailable), "%s: %v", d.name, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis", Path: "x", Create: true}, logx.Nop())
	require.Error(t, err)
}

func TestFetchEmptyStore(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		st := openTemp(t, d.name, d.file)
		_, err := st.FetchLeastUsed(context.Background())
		assert.ErrorIs(t, err, ErrEmptyStore, d.name)
	}
}

func TestFetchStrictlyLeastUsed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			st := openTemp(t, d.name, d.file, "Information Technology Management", "In The Moment")
			setUsed(t, st, 2, 2)

			for i := 0; i < 20; i++ {
				r, err := st.FetchLeastUsed(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(1), r.ID)
				require.Equal(t, "Information Technology Management", r.Text)
				require.Equal(t, int64(0), r.Used)
			}

			require.NoError(t, st.MarkUsed(ctx, 1))
			stats, err := st.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{Records: 2, MinUsed: 1, MaxUsed: 2, TotalUsed: 3}, stats)

			r, err := st.FetchLeastUsed(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), r.Used)
		})
	}
}

func TestMarkUsedUnknownID(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		st := openTemp(t, d.name, d.file, "Integrated Test Matrix")
		err := st.MarkUsed(context.Background(), 99)
		assert.ErrorIs(t, err, ErrNotFound, d.name)
	}
}

func TestRotationSpreadStaysWithinOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	texts := []string{"A", "B", "C", "D", "E", "F", "G"}
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			st := openTemp(t, d.name, d.file, texts...)
			for i := 0; i < 5*len(texts)+3; i++ {
				r, err := st.FetchLeastUsed(ctx)
				require.NoError(t, err)
				require.NoError(t, st.MarkUsed(ctx, r.ID))

				stats, err := st.Stats(ctx)
				require.NoError(t, err)
				require.LessOrEqual(t, stats.Spread(), int64(1), "after %d serves: %s", i+1, stats)
				require.Equal(t, int64(i+1), stats.TotalUsed)
			}
		})
	}
}

func TestTieBreakIsRoughlyUniform(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const trials = 3000
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			st := openTemp(t, d.name, d.file, "A", "B", "C", "D")
			setUsed(t, st, 4, 5) // D is never least used

			counts := map[int64]int{}
			for i := 0; i < trials; i++ {
				r, err := st.FetchLeastUsed(ctx)
				require.NoError(t, err)
				counts[r.ID]++
			}
			assert.Zero(t, counts[4])
			// Expected 1000 each; the bound is more than 8 standard deviations wide.
			for id := int64(1); id <= 3; id++ {
				assert.InDelta(t, trials/3, counts[id], 220, "record %d: %v", id, counts)
			}
		})
	}
}

func TestRunMetadataLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			st := openTemp(t, d.name, d.file)
			md, err := st.RunMetadata(ctx)
			require.NoError(t, err)
			require.False(t, md.HasRun())

			require.NoError(t, st.RecordRunNow(ctx))
			md, err = st.RunMetadata(ctx)
			require.NoError(t, err)
			require.True(t, md.HasRun())
			first := *md.LastRun

			require.NoError(t, st.RecordRunNow(ctx))
			md, err = st.RunMetadata(ctx)
			require.NoError(t, err)
			assert.False(t, md.LastRun.Before(first))
		})
	}
}

func TestFileStoreReopenKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pool.json")
	st, err := Open(Config{Driver: "file", Path: path, Create: true}, logx.Nop())
	require.NoError(t, err)
	_, err = st.(Seeder).Seed(ctx, []string{"It's The Moment", "", "It's The Moment", "Idle Thought Machine"})
	require.NoError(t, err)
	require.NoError(t, st.MarkUsed(ctx, 1))
	require.NoError(t, st.RecordRunNow(ctx))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Records: 2, MinUsed: 0, MaxUsed: 1, TotalUsed: 1}, stats)
	md, err := st.RunMetadata(ctx)
	require.NoError(t, err)
	assert.True(t, md.HasRun())
}

func TestSQLiteLegacyInfoTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE expansions (id INTEGER PRIMARY KEY, expansion TEXT, used INTEGER DEFAULT 0);
		CREATE TABLE info (name TEXT, value TEXT);
		INSERT INTO expansions(expansion, used) VALUES ('Information Technology Management', 0);
		INSERT INTO info(name, value) VALUES ('lastrun', '2016-03-01T10:00:00.000Z');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	md, err := st.RunMetadata(ctx)
	require.NoError(t, err)
	require.True(t, md.HasRun())
	assert.Equal(t, 2016, md.LastRun.Year())

	require.NoError(t, st.RecordRunNow(ctx))
	require.NoError(t, st.RecordRunNow(ctx))

	var rows int
	require.NoError(t, st.(*sqliteStore).db.QueryRow(`SELECT COUNT(*) FROM info WHERE name = 'lastrun'`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestStoreErrorWrapping(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "sqlite", "closed.db", "A")
	require.NoError(t, st.Close())

	_, err := st.FetchLeastUsed(context.Background())
	require.Error(t, err)
	var se *Error
	require.True(t, errors.As(err, &se), "%T: %v", err, err)
	assert.Equal(t, "fetch least used", se.Op)
	assert.False(t, errors.Is(err, ErrEmptyStore))
}
