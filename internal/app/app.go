// Package app wires the expansion bot: store, chat session, responder and the
// supporting services, run under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"expansionbot/internal/bootstrap"
	"expansionbot/internal/config"
	"expansionbot/internal/metrics"
	"expansionbot/internal/ops"
	"expansionbot/internal/report"
	"expansionbot/internal/responder"
	"expansionbot/internal/runtime/supervisor"
	"expansionbot/internal/selection"
	"expansionbot/internal/storage"
	"expansionbot/internal/transport"
	"expansionbot/internal/transport/slack"
	"expansionbot/internal/transport/telegram"
	"expansionbot/internal/trigger"
	logx "expansionbot/pkg/logx"
)

// ErrFatalConfig marks startup failures the process cannot recover from,
// such as a store path that does not exist.
var ErrFatalConfig = errors.New("fatal configuration error")

type App struct {
	cfgm *config.Manager

	log     logx.Logger
	logs    *logx.Service
	store   storage.Store
	session transport.Session
	metrics *metrics.Metrics

	boot   *bootstrap.Policy
	resp   *responder.Responder
	report *report.Reporter
	ops    *ops.Server
	notify Notifier

	events chan transport.Event

	mu        sync.Mutex
	info      transport.ConnectInfo
	connected atomic.Bool
	startedAt time.Time
	sup       *supervisor.Supervisor
}

type Option func(*options)

type options struct {
	session transport.Session
	store   storage.Store
	logs    *logx.Service
	notify  Notifier
}

// WithSession replaces the session built from chat.driver.
func WithSession(s transport.Session) Option { return func(o *options) { o.session = s } }

// WithStore replaces the store opened from the storage section.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

func WithLogService(s *logx.Service) Option { return func(o *options) { o.logs = s } }

func WithNotifier(n Notifier) Option { return func(o *options) { o.notify = n } }

// New builds the app from the manager's committed config (loading it if needed).
func New(cfgm *config.Manager, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFatalConfig, err)
		}
	}

	logs := o.logs
	if logs == nil {
		logs, _ = logx.New(logConfig(cfg), nil)
	}
	log := logs.Logger().With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	store := o.store
	if store == nil {
		st, err := storage.Open(storeConfig(cfg), logs.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				return nil, fmt.Errorf("%w: %w", ErrFatalConfig, err)
			}
			return nil, err
		}
		store = st
	}

	session := o.session
	if session == nil {
		s, err := newSession(cfg, logs.Logger().With(logx.String("comp", cfg.Chat.Driver)))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("%w: %w", ErrFatalConfig, err)
		}
		session = s
	}
	logs.SetPoster(session)

	policy, err := selection.New(cfg.Bot.Policy, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%w: %w", ErrFatalConfig, err)
	}

	m := metrics.New()
	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		store:   store,
		session: session,
		metrics: m,
		boot:    bootstrap.New(store, logs.Logger().With(logx.String("comp", "bootstrap"))),
		resp: responder.New(responder.Config{
			QueueSize:   cfg.Bot.QueueSize,
			PostTimeout: cfg.PostTimeout(0),
		}, policy, store, session, logs.Logger().With(logx.String("comp", "responder")), m),
		notify: o.notify,
		events: make(chan transport.Event, 256),
	}
	if a.notify == nil {
		a.notify = systemdNotifier{}
	}
	cfgm.SetValidator(a.validateReload)

	if cfg.Report.Enabled {
		a.report, err = report.New(report.Config{Schedule: cfg.Report.Schedule, Timezone: cfg.Report.Timezone},
			store, logs.Logger().With(logx.String("comp", "report")), m)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("%w: %w", ErrFatalConfig, err)
		}
	}
	if cfg.Ops.Enabled {
		a.ops = ops.New(ops.Config{
			Addr:        cfg.Ops.Addr,
			Token:       cfg.Ops.Token,
			Pprof:       cfg.Ops.Pprof,
			ReadTimeout: config.MustDuration(cfg.Ops.ReadTimeout, 10*time.Second),
			IdleTimeout: config.MustDuration(cfg.Ops.IdleTimeout, time.Minute),
		}, a.Health, m.Handler(), logs.Logger().With(logx.String("comp", "ops")))
	}
	return a, nil
}

func newSession(cfg *config.Config, log logx.Logger) (transport.Session, error) {
	switch cfg.Chat.Driver {
	case "slack":
		return slack.New(slack.Config{
			Token:          cfg.Chat.Token,
			APIBase:        cfg.Chat.APIBase,
			PostsPerSecond: cfg.Chat.PostsPerSec,
		}, log)
	case "telegram":
		return telegram.New(telegram.Config{
			Token:       cfg.Chat.Token,
			APIURL:      cfg.Chat.APIBase,
			PollTimeout: config.MustDuration(cfg.Chat.PollTimeout, 10*time.Second),
			Chats:       cfg.Chat.Chats,
		}, log)
	default:
		return nil, fmt.Errorf("unknown chat driver %q", cfg.Chat.Driver)
	}
}

func storeConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout, 0),
	}
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			Channel:    cfg.Logging.Chat.Channel,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Responder() *responder.Responder { return a.resp }

// Run connects, performs the first-run bootstrap and serves until ctx is
// done or a task fails for good. It closes the store and the session before
// returning.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.mu.Lock()
	a.sup = sup
	a.startedAt = time.Now()
	a.mu.Unlock()

	info, err := a.session.Connect(sup.Context())
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.session.Name(), err)
	}
	a.applyConnect(info)

	if _, err := a.boot.Run(sup.Context(), a.welcome); err != nil {
		// Startup continues; the next start retries recording the run.
		a.log.Warn("bootstrap bookkeeping failed", logx.Err(err))
	}

	sup.GoRestart("session", func(c context.Context) error {
		return a.session.Run(c, a.events)
	}, supervisor.RestartPolicy{MinBackoff: time.Second, MaxBackoff: time.Minute})
	sup.Go("dispatch", a.dispatch)
	sup.Go("responder", a.resp.Run)
	sup.Go0("config.apply", a.applyConfigUpdates)
	sup.Go("config.watch", a.cfgm.Watch)
	if a.report != nil {
		sup.Go("report", a.report.Run)
	}
	if a.ops != nil {
		sup.Go("ops", a.ops.Run)
	}
	sup.Go0("watchdog", a.watchdog)

	a.notify.Notify(NotifyReady)
	a.log.Info("expansionbot started",
		logx.String("config", a.cfgm.Path()),
		logx.String("session", a.session.Name()),
		logx.String("identity", a.resp.Identity().Name),
	)

	<-sup.Context().Done()
	a.notify.Notify(NotifyStopping)
	a.log.Info("stopping")
	_ = a.session.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = sup.Stop(stopCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("tasks still running after stop timeout", logx.Any("tasks", sup.Snapshot()))
		return nil
	}
	return err
}

func (a *App) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	_ = a.logs.Close()
}

// dispatch routes session events in arrival order. A connect event updates
// the identity before any later message is queued.
func (a *App) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			switch ev.Kind {
			case transport.EventConnected:
				if ev.Info != nil {
					a.applyConnect(*ev.Info)
				}
			case transport.EventMessage:
				if ev.Message != nil {
					a.resp.Enqueue(*ev.Message)
				}
			}
		}
	}
}

// applyConnect refreshes the bot identity from a connect result.
func (a *App) applyConnect(info transport.ConnectInfo) {
	a.mu.Lock()
	a.info = info
	a.mu.Unlock()
	a.connected.Store(true)
	a.refreshIdentity()
}

func (a *App) refreshIdentity() {
	name := config.DefaultBotName
	if cfg := a.cfgm.Get(); cfg != nil && strings.TrimSpace(cfg.Bot.Name) != "" {
		name = cfg.Bot.Name
	}
	a.mu.Lock()
	info := a.info
	a.mu.Unlock()

	id := trigger.Identity{UserID: info.Self.ID, Name: name}
	if u, ok := info.FindUser(name); ok {
		id.UserID = u.ID
	} else if info.Self.ID != "" {
		a.log.Debug("configured name not found among users; using session identity",
			logx.String("name", name), logx.String("self", info.Self.Name))
	}
	a.resp.SetIdentity(id)
	a.log.Info("identity refreshed",
		logx.String("user_id", id.UserID),
		logx.String("name", id.Name),
		logx.Int("channels", len(info.Channels)),
	)
}

func (a *App) welcome(ctx context.Context) error {
	a.mu.Lock()
	info := a.info
	a.mu.Unlock()
	ch, ok := info.FirstChannel()
	if !ok {
		return errors.New("no channel to welcome in")
	}
	return a.session.PostMessage(ctx, ch.ID, bootstrap.WelcomeText(a.resp.Identity().Name), &transport.PostOptions{AsUser: true})
}

// applyConfigUpdates applies hot-reloadable sections and warns about the rest.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			ch := config.SummarizeConfigChange(last, cfg)
			last = cfg
			if ch.Empty() {
				continue
			}
			a.logs.Apply(logConfig(cfg))
			a.refreshIdentity()
			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
			a.log.Info("config applied", fields...)
			if len(ch.Restart) > 0 {
				a.log.Warn("config sections changed; restart required", logx.String("sections", strings.Join(ch.Restart, ",")))
			}
		}
	}
}

// validateReload refuses a reloaded config that points the running bot at a
// different chat platform or expansion store. Those only change on restart.
func (a *App) validateReload(_ context.Context, next *config.Config) error {
	cur := a.cfgm.Get()
	if cur == nil || next == nil {
		return nil
	}
	var errs []error
	if next.Chat.Driver != cur.Chat.Driver {
		errs = append(errs, fmt.Errorf("chat.driver %q -> %q requires a restart", cur.Chat.Driver, next.Chat.Driver))
	}
	if next.Storage.Driver != cur.Storage.Driver {
		errs = append(errs, fmt.Errorf("storage.driver %q -> %q requires a restart", cur.Storage.Driver, next.Storage.Driver))
	}
	if next.Storage.Path != cur.Storage.Path {
		errs = append(errs, fmt.Errorf("storage.path %q -> %q requires a restart", cur.Storage.Path, next.Storage.Path))
	}
	return errors.Join(errs...)
}

// Health reports liveness for /healthz.
func (a *App) Health() ops.Health {
	a.mu.Lock()
	since := a.startedAt
	sup := a.sup
	a.mu.Unlock()

	h := ops.Health{
		Status:    "ok",
		Connected: a.connected.Load(),
		Identity:  a.resp.Identity().Name,
		Since:     since,
	}
	if sup != nil {
		h.Details = sup.Snapshot()
		if sup.Err() != nil {
			h.Status = "degraded"
		}
	}
	if !h.Connected {
		h.Status = "degraded"
	}
	return h
}
