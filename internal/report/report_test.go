package report

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"expansionbot/internal/metrics"
	"expansionbot/internal/storage"
	logx "expansionbot/pkg/logx"
)

type fakeStats struct {
	st  storage.Stats
	err error
}

func (f fakeStats) Stats(ctx context.Context) (storage.Stats, error) { return f.st, f.err }

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // a Monday
	tests := []struct {
		raw  string
		next time.Time
	}{
		{raw: "0 9 * * 1", next: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{raw: "@daily", next: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
		{raw: "6h", next: base.Add(6 * time.Hour)},
	}
	for _, tt := range tests {
		s, err := ParseSchedule(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.next, s.Next(base), tt.raw)
	}
	for _, bad := range []string{"", "every tuesday", "30s", "* * *"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestReportLogsAndUpdatesGauges(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	m := metrics.New()
	r, err := New(Config{Schedule: "@hourly"}, fakeStats{st: storage.Stats{Records: 4, MinUsed: 2, MaxUsed: 3, TotalUsed: 10}}, logx.NewWriter(&buf, "info"), m)
	require.NoError(t, err)

	st, err := r.Report(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Records)
	assert.Equal(t, st, r.Last())
	assert.Contains(t, buf.String(), "rotation report")
	assert.Equal(t, float64(4), gauge(t, m, "expansionbot_pool_records"))
	assert.Equal(t, float64(1), gauge(t, m, "expansionbot_pool_usage_spread"))
}

func gauge(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.NotEmpty(t, f.GetMetric())
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestReportWarnsWhenOneRecordFallsBehind(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	// One record stuck at 1 after its MarkUsed calls failed while the others moved on.
	stats := storage.Stats{Records: 3, MinUsed: 1, MaxUsed: 3, TotalUsed: 7}
	r, err := New(Config{Schedule: "@hourly"}, fakeStats{st: stats}, logx.NewWriter(&buf, "info"), metrics.New())
	require.NoError(t, err)

	_, err = r.Report(context.Background())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "rotation uneven")
	assert.Contains(t, buf.String(), `"spread":2`)
}

func TestReportFailureKeepsLast(t *testing.T) {
	t.Parallel()
	r, err := New(Config{Schedule: "1h"}, fakeStats{err: errors.New("locked")}, logx.Nop(), nil)
	require.NoError(t, err)
	_, err = r.Report(context.Background())
	require.Error(t, err)
	assert.Equal(t, storage.Stats{}, r.Last())
}

func TestRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	r, err := New(Config{Schedule: "@hourly", Timezone: "UTC"}, fakeStats{st: storage.Stats{Records: 1}}, logx.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.Last().Records == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
