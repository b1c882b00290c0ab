package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig mirrors log lines at or above MinLevel into a chat channel.
type ChatConfig struct {
	Enabled    bool
	Channel    string
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./expansionbot.log"

// Service owns the log outputs. Apply rebuilds them while loggers handed
// out earlier keep working.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	chat *chatSink

	mu   sync.Mutex
	file *os.File
}

// New applies cfg and returns the service with its root logger. poster may
// be nil until the chat session exists; see SetPoster.
func New(cfg Config, poster Poster) (*Service, Logger) {
	s := &Service{chat: newChatSink(poster)}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetPoster attaches the chat session once it exists.
func (s *Service) SetPoster(p Poster) { s.chat.setPoster(p) }

// Apply swaps outputs and levels at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(nil))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}

	s.chat.configure(cfg.Chat)
	if cfg.Chat.Enabled {
		if strings.TrimSpace(cfg.Chat.Channel) == "" {
			fmt.Fprintln(stderr, "logx: chat logging enabled without logging.chat.channel")
		}
		outs = append(outs, s.chat)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(nil))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close stops the chat sink and closes the log file.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
