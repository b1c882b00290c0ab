// Package bootstrap runs the once-per-startup first-contact check.
//
// A store that has never seen the bot gets a single welcome message; every
// startup refreshes the last-run timestamp.
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"expansionbot/internal/storage"
	logx "expansionbot/pkg/logx"
)

type State int

const (
	NeverRun State = iota
	HasRun
)

func (s State) String() string {
	switch s {
	case NeverRun:
		return "never_run"
	case HasRun:
		return "has_run"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MetadataStore is the store capability the policy depends on.
type MetadataStore interface {
	RunMetadata(ctx context.Context) (storage.RunMetadata, error)
	RecordRunNow(ctx context.Context) error
}

// WelcomeFunc emits the welcome message.
type WelcomeFunc func(ctx context.Context) error

type Policy struct {
	store MetadataStore
	log   logx.Logger

	mu     sync.Mutex
	state  State
	loaded bool
}

func New(store MetadataStore, log logx.Logger) *Policy {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Policy{store: store, log: log}
}

// Load reads the run metadata and sets the initial state.
func (p *Policy) Load(ctx context.Context) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked(ctx)
}

func (p *Policy) loadLocked(ctx context.Context) (State, error) {
	md, err := p.store.RunMetadata(ctx)
	if err != nil {
		return p.state, fmt.Errorf("load run metadata: %w", err)
	}
	p.state = NeverRun
	if md.HasRun() {
		p.state = HasRun
	}
	p.loaded = true
	return p.state, nil
}

func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run performs the startup transition and reports whether a welcome was sent.
//
// From NeverRun it calls welcome once, moves to HasRun and records the run.
// From HasRun it only records the run. A failed welcome is logged and does
// not block the transition.
func (p *Policy) Run(ctx context.Context, welcome WelcomeFunc) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		if _, err := p.loadLocked(ctx); err != nil {
			return false, err
		}
	}

	welcomed := false
	if p.state == NeverRun {
		if welcome != nil {
			if err := welcome(ctx); err != nil {
				p.log.Warn("welcome message failed", logx.Err(err))
			} else {
				welcomed = true
			}
		}
		p.state = HasRun
		p.log.Info("first run detected", logx.Bool("welcomed", welcomed))
	}

	if err := p.store.RecordRunNow(ctx); err != nil {
		return welcomed, fmt.Errorf("record run: %w", err)
	}
	return welcomed, nil
}

// WelcomeText is the message posted on the very first startup.
func WelcomeText(name string) string {
	return "Hi, I'm Expansion Bot!\n I can help you remember what ITM stands for. " +
		"Just say `Expand ITM` or `" + name + "` to invoke me!"
}
