// Package report logs the expansion pool rotation on a schedule.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"expansionbot/internal/metrics"
	"expansionbot/internal/storage"
	logx "expansionbot/pkg/logx"
)

type StatsSource interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

type Config struct {
	// Schedule is a 5-field cron expression, a descriptor such as "@daily",
	// or a plain Go duration ("6h") meaning "every".
	Schedule string
	Timezone string
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts the forms documented on Config.Schedule.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Minute {
			return nil, fmt.Errorf("schedule %q: interval must be at least 1m", raw)
		}
		return cron.Every(d), nil
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", raw, err)
	}
	return sched, nil
}

type Reporter struct {
	src     StatsSource
	log     logx.Logger
	metrics *metrics.Metrics
	sched   cron.Schedule
	loc     *time.Location

	mu   sync.Mutex
	last storage.Stats
}

func New(cfg Config, src StatsSource, log logx.Logger, m *metrics.Metrics) (*Reporter, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("report timezone: %w", err)
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{src: src, log: log, metrics: m, sched: sched, loc: loc}, nil
}

// Run reports once at start and then on every tick until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(r.loc))
	c.Schedule(r.sched, cron.FuncJob(func() { _, _ = r.Report(ctx) }))
	_, _ = r.Report(ctx)

	c.Start()
	r.log.Debug("rotation report scheduled", logx.Time("next", r.sched.Next(time.Now().In(r.loc))))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Report reads the pool stats, logs them and updates the pool gauges.
func (r *Reporter) Report(ctx context.Context) (storage.Stats, error) {
	st, err := r.src.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("rotation report failed", logx.Err(err))
		}
		return storage.Stats{}, err
	}
	r.mu.Lock()
	r.last = st
	r.mu.Unlock()

	r.metrics.ObservePool(st.Records, st.Spread())
	fields := []logx.Field{
		logx.Int("records", st.Records),
		logx.Int64("min_used", st.MinUsed),
		logx.Int64("max_used", st.MaxUsed),
		logx.Int64("total_used", st.TotalUsed),
	}
	if st.Spread() > 1 {
		// A reply whose MarkUsed failed, or a write from outside the bot, leaves
		// one record behind.
		r.log.Warn("rotation uneven", append(fields, logx.Int64("spread", st.Spread()))...)
		return st, nil
	}
	r.log.Info("rotation report", fields...)
	return st, nil
}

// Last returns the most recent successful report.
func (r *Reporter) Last() storage.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
