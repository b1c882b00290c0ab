package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadExpansions(t *testing.T) {
	t.Parallel()
	got, err := readExpansions(strings.NewReader("# ITM\nInformation Technology Management\n\n  In The Moment  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Information Technology Management", "In The Moment"}, got)
}

func TestSeedThenStats(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	db := filepath.Join(dir, "data", "expansions.json")
	cfgPath := filepath.Join(dir, "bot.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"storage":{"driver":"file","path":"`+db+`"},"logging":{"level":"error"}}`), 0o600))
	list := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(list, []byte("Idle Thought Machine\nIt's The Moment\nIdle Thought Machine\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, seed(context.Background(), &out, cfgPath, list))
	assert.Contains(t, out.String(), "added 2 of 3")

	out.Reset()
	require.NoError(t, stats(context.Background(), &out, cfgPath))
	assert.Contains(t, out.String(), "last run: never")
}

func TestStatsMissingStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bot.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"storage":{"driver":"sqlite","path":"`+filepath.Join(dir, "nope.db")+`"}}`), 0o600))
	err := stats(context.Background(), &bytes.Buffer{}, cfgPath)
	require.Error(t, err)
}
