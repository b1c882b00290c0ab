package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults that match the original deployment of the bot.
const (
	DefaultBotName     = "expansionbot"
	DefaultStorePath   = "./data/expansions.db"
	DefaultStoreDriver = "sqlite"
	DefaultChatDriver  = "slack"
	DefaultSchedule    = "0 9 * * 1"
	DefaultOpsAddr     = "127.0.0.1:9102"
)

// Environment variables read by the original bot. They override the file.
const (
	EnvToken  = "EX_BOT_API_KEY"
	EnvDBPath = "EX_BOT_DB_PATH"
	EnvName   = "EX_BOT_NAME"
)

type Config struct {
	Bot     BotConfig     `json:"bot"`
	Chat    ChatConfig    `json:"chat"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
	Report  ReportConfig  `json:"report"`
	Ops     OpsConfig     `json:"ops"`
}

// BotConfig controls the responder.
//
// Name is the display name users mention to trigger a reply. It is also the
// user name looked up in the workspace to find the bot's own user id.
type BotConfig struct {
	Name        string `json:"name"`
	Policy      string `json:"policy,omitempty"`       // default: least_used
	QueueSize   int    `json:"queue_size,omitempty"`   // default: 64
	PostTimeout string `json:"post_timeout,omitempty"` // Go duration string, default 10s
}

// ChatConfig selects and configures the chat session.
//
// Example:
//
//	chat:
//	  driver: telegram
//	  token: "123:abc"
//	  chats: [-1001234567]
type ChatConfig struct {
	Driver      string  `json:"driver"`
	Token       string  `json:"token"`
	APIBase     string  `json:"api_base,omitempty"`
	PollTimeout string  `json:"poll_timeout,omitempty"` // telegram long poll
	PostsPerSec float64 `json:"posts_per_sec,omitempty"`
	Chats       []int64 `json:"chats,omitempty"` // telegram group chats known up front
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warn+ log lines into a chat channel through the session.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ReportConfig schedules the rotation report (standard 5-field cron).
type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron, "@daily" or a duration such as "6h"
	Timezone string `json:"timezone,omitempty"`
}

// OpsConfig controls the /healthz and /metrics HTTP server.
//
// Prefer binding to localhost; the endpoints are unauthenticated.
type OpsConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"`
	Token       string `json:"token,omitempty"` // optional bearer token
	Pprof       bool   `json:"pprof,omitempty"` // also serve /debug/pprof/
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bot:     BotConfig{Name: DefaultBotName},
		Chat:    ChatConfig{Driver: DefaultChatDriver},
		Storage: StorageConfig{Driver: DefaultStoreDriver, Path: DefaultStorePath},
		Logging: LoggingConfig{Level: "info", Console: true},
		Report:  ReportConfig{Schedule: DefaultSchedule},
		Ops:     OpsConfig{Addr: DefaultOpsAddr},
	}
}

// applyDefaults fills fields a file left empty.
func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.Bot.Name) == "" {
		c.Bot.Name = def.Bot.Name
	}
	if strings.TrimSpace(c.Chat.Driver) == "" {
		c.Chat.Driver = def.Chat.Driver
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = def.Storage.Path
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = def.Logging.Level
	}
	if strings.TrimSpace(c.Report.Schedule) == "" {
		c.Report.Schedule = def.Report.Schedule
	}
	if strings.TrimSpace(c.Ops.Addr) == "" {
		c.Ops.Addr = def.Ops.Addr
	}
}

// applyEnv overrides file values with the EX_BOT_* variables that are set.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvToken)); v != "" {
		c.Chat.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDBPath)); v != "" {
		c.Storage.Path = v
	}
	if v := strings.TrimSpace(getenv(EnvName)); v != "" {
		c.Bot.Name = v
	}
}

// Validate checks values that can be checked without touching the network.
func (c *Config) Validate() error {
	var errs []error
	switch c.Chat.Driver {
	case "slack", "telegram":
	default:
		errs = append(errs, fmt.Errorf("chat.driver: unknown driver %q", c.Chat.Driver))
	}
	if strings.TrimSpace(c.Chat.Token) == "" {
		errs = append(errs, fmt.Errorf("chat.token: required (or set %s)", EnvToken))
	}
	if c.Chat.PostsPerSec < 0 {
		errs = append(errs, errors.New("chat.posts_per_sec: must be >= 0"))
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3", "file", "json":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Bot.QueueSize < 0 {
		errs = append(errs, errors.New("bot.queue_size: must be >= 0"))
	}
	for _, f := range []struct{ path, raw string }{
		{"bot.post_timeout", c.Bot.PostTimeout},
		{"chat.poll_timeout", c.Chat.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.idle_timeout", c.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Logging.Chat.Enabled && strings.TrimSpace(c.Logging.Chat.Channel) == "" {
		errs = append(errs, errors.New("logging.chat.channel: required when logging.chat.enabled"))
	}
	return errors.Join(errs...)
}

// PostTimeout returns bot.post_timeout, or def when unset.
func (c *Config) PostTimeout(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("bot.post_timeout", c.Bot.PostTimeout, def)
	if err != nil {
		return def
	}
	return d
}
