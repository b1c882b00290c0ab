// Package slack implements transport.Session over the Slack RTM websocket
// and the Web API. Web API calls and event types come from slack-go; the
// websocket is driven directly so reconnects and identity refresh stay under
// the session's control.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/slack-go/slack"

	"expansionbot/internal/transport"
	logx "expansionbot/pkg/logx"
)

type Config struct {
	Token   string
	APIBase string // default https://slack.com/api

	PingInterval   time.Duration // default 30s
	PostsPerSecond float64       // default 1
	ReconnectMin   time.Duration // default 1s
	ReconnectMax   time.Duration // default 30s
}

type Session struct {
	cfg    Config
	api    *apiClient
	log    logx.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	info    transport.ConnectInfo
	wsURL   string
	conn    *websocket.Conn
	writeMu sync.Mutex
	msgID   atomic.Int64
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{
		cfg:    cfg,
		api:    newAPIClient(cfg.APIBase, cfg.Token, cfg.PostsPerSecond),
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}, nil
}

func (s *Session) Name() string { return "slack" }

// Connect calls rtm.connect and refreshes the channel and user lists.
func (s *Session) Connect(ctx context.Context) (transport.ConnectInfo, error) {
	rc, wsURL, err := s.api.rtmConnect(ctx)
	if err != nil {
		return transport.ConnectInfo{}, err
	}
	chans, err := s.api.listChannels(ctx)
	if err != nil {
		return transport.ConnectInfo{}, err
	}
	users, err := s.api.listUsers(ctx)
	if err != nil {
		return transport.ConnectInfo{}, err
	}

	info := transport.ConnectInfo{Self: transport.User{ID: rc.User.ID, Name: rc.User.Name}}
	for _, c := range chans {
		info.Channels = append(info.Channels, transport.Channel{ID: c.ID, Name: c.Name, IsMember: c.IsMember})
	}
	for _, u := range users {
		if u.Deleted {
			continue
		}
		info.Users = append(info.Users, transport.User{ID: u.ID, Name: u.Name})
	}

	s.mu.Lock()
	s.info = info
	s.wsURL = wsURL
	s.mu.Unlock()
	return info, nil
}

// Run keeps an RTM connection open and delivers events to out.
// Every (re)connect emits EventConnected with fresh identity and channels
// before any message from that connection.
func (s *Session) Run(ctx context.Context, out chan<- transport.Event) error {
	backoff := s.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		started := time.Now()
		err := s.runOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			backoff = s.cfg.ReconnectMin
		}
		s.log.Warn("rtm session ended; reconnecting", logx.Err(err), logx.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
}

func (s *Session) runOnce(ctx context.Context, out chan<- transport.Event) error {
	s.mu.Lock()
	wsURL := s.wsURL
	s.wsURL = "" // rtm.connect urls are single-use
	info := s.info
	s.mu.Unlock()

	if wsURL == "" {
		var err error
		if info, err = s.Connect(ctx); err != nil {
			return fmt.Errorf("rtm.connect: %w", err)
		}
		s.mu.Lock()
		wsURL = s.wsURL
		s.wsURL = ""
		s.mu.Unlock()
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial rtm: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()
	go s.pingLoop(connCtx, conn)

	s.log.Info("rtm connected", logx.String("self", info.Self.Name), logx.Int("channels", len(info.Channels)))
	infoCopy := info
	if !deliver(ctx, out, transport.Event{Kind: transport.EventConnected, Info: &infoCopy}) {
		return nil
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read rtm: %w", err)
		}
		var head slack.Event
		if err := json.Unmarshal(data, &head); err != nil {
			s.log.Debug("undecodable rtm frame", logx.Err(err))
			continue
		}
		switch head.Type {
		case transport.MessageTypeMessage:
			var ev slack.MessageEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				s.log.Debug("undecodable rtm message", logx.Err(err))
				continue
			}
			m := toMessage(ev)
			if !deliver(ctx, out, transport.Event{Kind: transport.EventMessage, Message: &m}) {
				return nil
			}
		case "goodbye":
			return errors.New("server sent goodbye")
		case "error":
			s.log.Warn("rtm error event", logx.String("raw", string(data)))
		}
	}
}

func deliver(ctx context.Context, out chan<- transport.Event, ev transport.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.writeMu.Lock()
			err := conn.WriteJSON(map[string]any{"id": s.msgID.Add(1), "type": "ping"})
			s.writeMu.Unlock()
			if err != nil {
				s.log.Debug("rtm ping failed", logx.Err(err))
				return
			}
		}
	}
}

// PostMessage sends text through chat.postMessage.
func (s *Session) PostMessage(ctx context.Context, channel, text string, opt *transport.PostOptions) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("slack channel is required")
	}
	if opt == nil {
		opt = &transport.PostOptions{}
	}
	return s.api.postMessage(ctx, channel, text, opt.AsUser, !opt.DisablePreview)
}

func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}

func toMessage(ev slack.MessageEvent) transport.Message {
	return transport.Message{
		Type:    ev.Type,
		Subtype: ev.SubType,
		Text:    ev.Text,
		Channel: ev.Channel,
		User:    ev.User,
	}
}
