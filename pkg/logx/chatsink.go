package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"expansionbot/internal/transport"
)

// Poster is the part of a chat session the chat sink uses.
type Poster interface {
	PostMessage(ctx context.Context, channel, text string, opt *transport.PostOptions) error
}

const (
	chatQueueSize   = 128
	chatPostTimeout = 10 * time.Second
	chatLineMax     = 3000
	chatValueMax    = 500
)

type chatLine struct {
	channel string
	text    string
}

// chatSink is a zerolog.LevelWriter that hands lines to a background poster.
// Writes never block; lines over the rate limit or a full queue are lost.
type chatSink struct {
	queue chan chatLine

	mu       sync.Mutex
	poster   Poster
	channel  string
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newChatSink(p Poster) *chatSink {
	return &chatSink{queue: make(chan chatLine, chatQueueSize), poster: p}
}

func (c *chatSink) setPoster(p Poster) {
	c.mu.Lock()
	c.poster = p
	c.mu.Unlock()
}

// configure updates routing and starts the poster goroutine on first enable.
func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = strings.TrimSpace(cfg.Channel)
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && c.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.run(ctx, c.done)
	}
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-c.queue:
			c.mu.Lock()
			p := c.poster
			c.mu.Unlock()
			if p == nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, chatPostTimeout)
			_ = p.PostMessage(pctx, ln.channel, ln.text, &transport.PostOptions{AsUser: true})
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	channel, minLevel, lim := c.channel, c.minLevel, c.limiter
	c.mu.Unlock()

	if channel == "" || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := formatChatLine(p); text != "" {
		select {
		case c.queue <- chatLine{channel: channel, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine turns a JSON log line into "[LEVEL] message" followed by
// one "- key=value" line per field, sorted by key.
func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), chatLineMax)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	delete(m, "time")
	delete(m, "level")
	delete(m, "message")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), chatValueMax))
	}
	return clip(b.String(), chatLineMax)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
