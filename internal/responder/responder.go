// Package responder runs the reply cycle: detect, select, post, mark used.
//
// Messages are handled one at a time by a single worker in arrival order,
// which also serializes every FetchLeastUsed+MarkUsed pair against the store.
package responder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"expansionbot/internal/metrics"
	"expansionbot/internal/selection"
	"expansionbot/internal/storage"
	"expansionbot/internal/transport"
	"expansionbot/internal/trigger"
	logx "expansionbot/pkg/logx"
)

// Outcome of one handled message.
type Outcome string

const (
	Ignored     Outcome = "ignored"
	Replied     Outcome = "replied"
	EmptyStore  Outcome = "empty_store"
	StoreFailed Outcome = "store_error"
	PostFailed  Outcome = "post_error"
	// MarkFailed means the reply went out but the usage count was not incremented.
	MarkFailed Outcome = "mark_error"
)

type Poster interface {
	PostMessage(ctx context.Context, channel, text string, opt *transport.PostOptions) error
}

type Marker interface {
	MarkUsed(ctx context.Context, id int64) error
}

type Config struct {
	QueueSize   int
	PostTimeout time.Duration
}

type Responder struct {
	cfg     Config
	policy  selection.Policy
	store   Marker
	poster  Poster
	log     logx.Logger
	metrics *metrics.Metrics

	identity atomic.Pointer[trigger.Identity]
	queue    chan transport.Message
	dropped  atomic.Uint64
}

func New(cfg Config, policy selection.Policy, store Marker, poster Poster, log logx.Logger, m *metrics.Metrics) *Responder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Responder{
		cfg:     cfg,
		policy:  policy,
		store:   store,
		poster:  poster,
		log:     log,
		metrics: m,
		queue:   make(chan transport.Message, cfg.QueueSize),
	}
	r.identity.Store(&trigger.Identity{})
	return r
}

// SetIdentity replaces the bot identity used for eligibility checks.
// Called on every session (re)connect.
func (r *Responder) SetIdentity(id trigger.Identity) {
	r.identity.Store(&id)
}

func (r *Responder) Identity() trigger.Identity {
	return *r.identity.Load()
}

// Enqueue hands msg to the worker without blocking. It returns false when the
// queue is full and the message was dropped.
func (r *Responder) Enqueue(msg transport.Message) bool {
	select {
	case r.queue <- msg:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Run drains the queue until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	defer r.reportDropped()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.queue:
			r.Handle(ctx, msg)
		case <-ticker.C:
			r.reportDropped()
		}
	}
}

func (r *Responder) reportDropped() {
	if n := r.dropped.Swap(0); n > 0 {
		r.log.Warn("inbound messages dropped (queue full)", logx.Uint64("count", n), logx.Int("queue_cap", cap(r.queue)))
		r.metrics.ObserveDropped(int(n))
	}
}

// Handle runs one reply cycle for msg. Failures are logged, never returned.
func (r *Responder) Handle(ctx context.Context, msg transport.Message) Outcome {
	if !trigger.IsEligible(msg, r.Identity()) {
		return Ignored
	}
	out := r.reply(ctx, msg)
	r.metrics.ObserveCycle(string(out))
	return out
}

func (r *Responder) reply(ctx context.Context, msg transport.Message) Outcome {
	log := r.log.With(
		logx.String("cycle", uuid.NewString()),
		logx.String("channel", msg.Channel),
		logx.String("user", msg.User),
	)

	rec, err := r.policy.SelectNext(ctx)
	if errors.Is(err, storage.ErrEmptyStore) {
		log.Warn("no expansions to serve")
		return EmptyStore
	}
	if err != nil {
		log.Error("select expansion failed", logx.Err(err))
		return StoreFailed
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PostTimeout)
	err = r.poster.PostMessage(pctx, msg.Channel, rec.Text, &transport.PostOptions{AsUser: true})
	cancel()
	if err != nil {
		log.Error("post reply failed", logx.Int64("expansion_id", rec.ID), logx.Err(err))
		return PostFailed
	}

	// The reply is out; an accounting failure below is logged, not retracted.
	if err := r.store.MarkUsed(ctx, rec.ID); err != nil {
		log.Error("usage accounting failed",
			logx.Int64("expansion_id", rec.ID),
			logx.Bool("not_found", errors.Is(err, storage.ErrNotFound)),
			logx.Err(err),
		)
		return MarkFailed
	}
	log.Debug("reply sent", logx.Int64("expansion_id", rec.ID), logx.Int64("used_before", rec.Used))
	return Replied
}
