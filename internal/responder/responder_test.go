package responder

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"expansionbot/internal/metrics"
	"expansionbot/internal/selection"
	"expansionbot/internal/storage"
	"expansionbot/internal/transport"
	"expansionbot/internal/trigger"
	logx "expansionbot/pkg/logx"
)

type post struct {
	Channel string
	Text    string
}

type fakePoster struct {
	mu    sync.Mutex
	posts []post
	err   error
}

func (f *fakePoster) PostMessage(ctx context.Context, channel, text string, opt *transport.PostOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, post{Channel: channel, Text: text})
	return nil
}

func (f *fakePoster) sent() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]post(nil), f.posts...)
}

type fakeStore struct {
	rec     storage.Record
	pickErr error
	markErr error
	marked  []int64
}

func (f *fakeStore) SelectNext(ctx context.Context) (storage.Record, error) {
	return f.rec, f.pickErr
}

func (f *fakeStore) MarkUsed(ctx context.Context, id int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

var bot = trigger.Identity{UserID: "UBOT", Name: "expansionbot"}

func trig(channel, user string) transport.Message {
	return transport.Message{Type: "message", Text: "Expand ITM please", Channel: channel, User: user}
}

func newResponder(st *fakeStore, p *fakePoster, log logx.Logger) *Responder {
	r := New(Config{}, st, st, p, log, metrics.New())
	r.SetIdentity(bot)
	return r
}

func TestHandleOutcomes(t *testing.T) {
	t.Parallel()
	rec := storage.Record{ID: 7, Text: "Information Technology Management"}
	tests := []struct {
		name      string
		msg       transport.Message
		store     *fakeStore
		postErr   error
		want      Outcome
		wantPosts []post
		wantMark  []int64
	}{
		{
			name:      "replied",
			msg:       trig("C123", "U1"),
			store:     &fakeStore{rec: rec},
			want:      Replied,
			wantPosts: []post{{Channel: "C123", Text: rec.Text}},
			wantMark:  []int64{7},
		},
		{name: "not eligible", msg: trig("D456", "U1"), store: &fakeStore{rec: rec}, want: Ignored},
		{name: "own message", msg: trig("C123", "UBOT"), store: &fakeStore{rec: rec}, want: Ignored},
		{name: "empty store", msg: trig("C123", "U1"), store: &fakeStore{pickErr: storage.ErrEmptyStore}, want: EmptyStore},
		{
			name:  "store fault",
			msg:   trig("C123", "U1"),
			store: &fakeStore{pickErr: &storage.Error{Op: "fetch least used", Err: errors.New("database is locked")}},
			want:  StoreFailed,
		},
		{name: "post fails", msg: trig("C123", "U1"), store: &fakeStore{rec: rec}, postErr: errors.New("ratelimited"), want: PostFailed},
		{
			name:      "mark fails after reply",
			msg:       trig("C123", "U1"),
			store:     &fakeStore{rec: rec, markErr: storage.ErrNotFound},
			want:      MarkFailed,
			wantPosts: []post{{Channel: "C123", Text: rec.Text}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePoster{err: tt.postErr}
			r := newResponder(tt.store, p, logx.Nop())
			got := r.Handle(context.Background(), tt.msg)
			require.Equal(t, tt.want, got)
			if diff := cmp.Diff(tt.wantPosts, p.sent()); diff != "" {
				t.Fatalf("posts mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantMark, tt.store.marked); diff != "" {
				t.Fatalf("marks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmptyStoreIsLoggedNotSent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := &fakePoster{}
	r := newResponder(&fakeStore{pickErr: storage.ErrEmptyStore}, p, logx.NewWriter(&buf, "debug"))

	require.NotPanics(t, func() { r.Handle(context.Background(), trig("C1", "U1")) })
	assert.Empty(t, p.sent())
	assert.Contains(t, buf.String(), "no expansions to serve")
}

func TestIdentityRefresh(t *testing.T) {
	t.Parallel()
	st := &fakeStore{rec: storage.Record{ID: 1, Text: "x"}}
	r := New(Config{}, st, st, &fakePoster{}, logx.Nop(), nil)

	msg := transport.Message{Type: "message", Text: "hi newname", Channel: "C1", User: "U1"}
	assert.Equal(t, Ignored, r.Handle(context.Background(), msg))

	r.SetIdentity(trigger.Identity{UserID: "U9", Name: "newname"})
	assert.Equal(t, Replied, r.Handle(context.Background(), msg))
	assert.Equal(t, "newname", r.Identity().Name)
}

func TestRunProcessesInOrderAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "pool.json"), Create: true}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, err = st.(storage.Seeder).Seed(ctx, []string{"A", "B", "C"})
	require.NoError(t, err)

	p := &fakePoster{}
	r := New(Config{QueueSize: 16}, selection.NewLeastUsed(st), st, p, logx.Nop(), nil)
	r.SetIdentity(bot)

	channels := []string{"C1", "C2", "C3", "C4", "C5", "C6"}
	for _, ch := range channels {
		require.True(t, r.Enqueue(trig(ch, "U1")))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(runCtx)
	}()

	require.Eventually(t, func() bool { return len(p.sent()) == len(channels) }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	sent := p.sent()
	counts := map[string]int{}
	for i, s := range sent {
		assert.Equal(t, channels[i], s.Channel)
		counts[s.Text]++
	}
	assert.Equal(t, map[string]int{"A": 2, "B": 2, "C": 2}, counts)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.MinUsed)
	assert.Equal(t, int64(2), stats.MaxUsed)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	r := New(Config{QueueSize: 1}, st, st, &fakePoster{}, logx.Nop(), nil)
	require.True(t, r.Enqueue(trig("C1", "U1")))
	require.False(t, r.Enqueue(trig("C1", "U1")))
	assert.Equal(t, uint64(1), r.dropped.Load())
}
