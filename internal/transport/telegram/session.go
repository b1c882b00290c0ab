// Package telegram implements transport.Session on top of telebot long polling.
//
// Telegram chats are mapped onto the channel-id convention the bot uses:
// groups and supergroups become "C<chat id>", private chats "D<chat id>",
// broadcast channels "G<chat id>". Users become "U<user id>".
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"expansionbot/internal/transport"
	logx "expansionbot/pkg/logx"
)

type Config struct {
	Token       string
	APIURL      string // default https://api.telegram.org
	PollTimeout time.Duration

	// Chats lists group chat ids known up front. Telegram has no "list my
	// chats" call, so the welcome channel comes from here or from traffic.
	Chats []int64
}

type Session struct {
	cfg Config
	log logx.Logger

	mu    sync.Mutex
	bot   *tele.Bot
	chats []transport.Channel

	sink atomic.Pointer[sink]
}

// sink is where handlers deliver while Run is active. done unblocks a
// handler waiting on a full out channel once Run is over.
type sink struct {
	out  chan<- transport.Event
	done <-chan struct{}
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{cfg: cfg, log: log}
	for _, id := range cfg.Chats {
		s.chats = append(s.chats, transport.Channel{ID: channelID(id, tele.ChatSuperGroup), IsMember: true})
	}
	return s, nil
}

func (s *Session) Name() string { return "telegram" }

func (s *Session) Connect(ctx context.Context) (transport.ConnectInfo, error) {
	if err := ctx.Err(); err != nil {
		return transport.ConnectInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot == nil {
		b, err := tele.NewBot(s.settings())
		if err != nil {
			return transport.ConnectInfo{}, fmt.Errorf("telegram getMe: %w", err)
		}
		s.bot = b
		s.registerHandlers(b)
	}
	return s.infoLocked(), nil
}

// settings runs handlers on the poller goroutine so updates reach the
// responder in the order Telegram sent them.
func (s *Session) settings() tele.Settings {
	return tele.Settings{
		URL:         s.cfg.APIURL,
		Token:       s.cfg.Token,
		Poller:      &tele.LongPoller{Timeout: s.cfg.PollTimeout},
		Synchronous: true,
		OnError: func(err error, c tele.Context) {
			s.log.Warn("telegram handler error", logx.Err(err))
		},
	}
}

func (s *Session) infoLocked() transport.ConnectInfo {
	self := transport.User{ID: userID(s.bot.Me.ID), Name: s.bot.Me.Username}
	return transport.ConnectInfo{
		Self:     self,
		Channels: append([]transport.Channel(nil), s.chats...),
		Users:    []transport.User{self},
	}
}

func (s *Session) registerHandlers(b *tele.Bot) {
	b.Handle(tele.OnText, func(c tele.Context) error {
		s.forward(c.Message(), "")
		return nil
	})
	b.Handle(tele.OnEdited, func(c tele.Context) error {
		s.forward(c.Message(), "message_changed")
		return nil
	})
}

func (s *Session) forward(m *tele.Message, subtype string) {
	if m == nil || m.Chat == nil {
		return
	}
	msg := toMessage(m, subtype)
	s.rememberChat(m.Chat)

	sk := s.sink.Load()
	if sk == nil {
		return
	}
	// A full channel stalls the poller until dispatch catches up.
	select {
	case sk.out <- transport.Event{Kind: transport.EventMessage, Message: &msg}:
	case <-sk.done:
		s.log.Debug("telegram update discarded after stop", logx.String("channel", msg.Channel))
	}
}

func (s *Session) attach(out chan<- transport.Event, done <-chan struct{}) {
	s.sink.Store(&sink{out: out, done: done})
}

func (s *Session) detach() { s.sink.Store(nil) }

func (s *Session) rememberChat(c *tele.Chat) {
	id := channelID(c.ID, c.Type)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chats {
		if ch.ID == id {
			return
		}
	}
	s.chats = append(s.chats, transport.Channel{ID: id, Name: c.Title, IsMember: true})
}

// Run polls until ctx is done. Telebot retries failed polls on its own, so
// EventConnected is emitted once per Run.
func (s *Session) Run(ctx context.Context, out chan<- transport.Event) error {
	info, err := s.Connect(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	b := s.bot
	s.mu.Unlock()

	select {
	case out <- transport.Event{Kind: transport.EventConnected, Info: &info}:
	case <-ctx.Done():
		return nil
	}
	s.attach(out, ctx.Done())
	defer s.detach()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.log.Info("polling started", logx.String("self", info.Self.Name))
		b.Start()
		s.log.Info("polling stopped")
	}()
	select {
	case <-ctx.Done():
		b.Stop()
		<-done
		return nil
	case <-done:
		return errors.New("telegram poller exited")
	}
}

func (s *Session) PostMessage(ctx context.Context, channel, text string, opt *transport.PostOptions) error {
	chatID, err := parseChannelID(channel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	b := s.bot
	s.mu.Unlock()
	if b == nil {
		return errors.New("telegram session not connected")
	}
	if opt == nil {
		opt = &transport.PostOptions{}
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) Close() error { return nil }

func toMessage(m *tele.Message, subtype string) transport.Message {
	msg := transport.Message{
		Type:    transport.MessageTypeMessage,
		Subtype: subtype,
		Text:    m.Text,
		Channel: channelID(m.Chat.ID, m.Chat.Type),
	}
	if m.Sender != nil {
		msg.User = userID(m.Sender.ID)
	}
	return msg
}

func channelID(id int64, kind tele.ChatType) string {
	prefix := "C"
	switch kind {
	case tele.ChatPrivate:
		prefix = "D"
	case tele.ChatChannel, tele.ChatChannelPrivate:
		prefix = "G"
	}
	return prefix + strconv.FormatInt(id, 10)
}

func parseChannelID(channel string) (int64, error) {
	if len(channel) < 2 {
		return 0, fmt.Errorf("invalid telegram channel %q", channel)
	}
	id, err := strconv.ParseInt(channel[1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram channel %q: %w", channel, err)
	}
	return id, nil
}

func userID(id int64) string { return "U" + strconv.FormatInt(id, 10) }

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, len(rs)/limit+1)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}
