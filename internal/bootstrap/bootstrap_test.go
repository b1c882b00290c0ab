package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expansionbot/internal/storage"
	logx "expansionbot/pkg/logx"
)

type fakeMeta struct {
	lastRun   *time.Time
	records   int
	readErr   error
	recordErr error
}

func (f *fakeMeta) RunMetadata(ctx context.Context) (storage.RunMetadata, error) {
	if f.readErr != nil {
		return storage.RunMetadata{}, f.readErr
	}
	return storage.RunMetadata{LastRun: f.lastRun}, nil
}

func (f *fakeMeta) RecordRunNow(ctx context.Context) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	now := time.Now()
	f.lastRun = &now
	f.records++
	return nil
}

func counter(n *int) WelcomeFunc {
	return func(ctx context.Context) error {
		*n++
		return nil
	}
}

func TestFirstRunWelcomesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &fakeMeta{}
	p := New(store, logx.Nop())

	st, err := p.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, NeverRun, st)

	welcomes := 0
	welcomed, err := p.Run(ctx, counter(&welcomes))
	require.NoError(t, err)
	assert.True(t, welcomed)
	assert.Equal(t, 1, welcomes)
	assert.Equal(t, HasRun, p.State())
	assert.Equal(t, 1, store.records)

	welcomed, err = p.Run(ctx, counter(&welcomes))
	require.NoError(t, err)
	assert.False(t, welcomed)
	assert.Equal(t, 1, welcomes)
	assert.Equal(t, 2, store.records)
}

func TestHasRunNeverWelcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prev := time.Now().Add(-time.Hour)
	store := &fakeMeta{lastRun: &prev}

	welcomes := 0
	for i := 0; i < 2; i++ {
		// A fresh policy per startup: state comes from the store.
		p := New(store, logx.Nop())
		welcomed, err := p.Run(ctx, counter(&welcomes))
		require.NoError(t, err)
		require.False(t, welcomed)
		require.Equal(t, HasRun, p.State())
	}
	assert.Zero(t, welcomes)
	assert.Equal(t, 2, store.records)
	assert.True(t, store.lastRun.After(prev))
}

func TestFreshStartupAfterFirstRunSkipsWelcome(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &fakeMeta{}
	welcomes := 0

	_, err := New(store, logx.Nop()).Run(ctx, counter(&welcomes))
	require.NoError(t, err)
	_, err = New(store, logx.Nop()).Run(ctx, counter(&welcomes))
	require.NoError(t, err)
	assert.Equal(t, 1, welcomes)
}

func TestWelcomeFailureStillTransitions(t *testing.T) {
	t.Parallel()
	store := &fakeMeta{}
	p := New(store, logx.Nop())
	welcomed, err := p.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("channel_not_found")
	})
	require.NoError(t, err)
	assert.False(t, welcomed)
	assert.Equal(t, HasRun, p.State())
	assert.Equal(t, 1, store.records)
}

func TestRecordFailureDoesNotRewelcome(t *testing.T) {
	t.Parallel()
	store := &fakeMeta{recordErr: errors.New("disk I/O error")}
	p := New(store, logx.Nop())
	welcomes := 0

	_, err := p.Run(context.Background(), counter(&welcomes))
	require.Error(t, err)
	_, err = p.Run(context.Background(), counter(&welcomes))
	require.Error(t, err)
	assert.Equal(t, 1, welcomes)
}

func TestLoadError(t *testing.T) {
	t.Parallel()
	p := New(&fakeMeta{readErr: errors.New("locked")}, logx.Nop())
	_, err := p.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestWelcomeText(t *testing.T) {
	t.Parallel()
	got := WelcomeText("expansionbot")
	assert.Contains(t, got, "`Expand ITM`")
	assert.Contains(t, got, "`expansionbot`")
}
