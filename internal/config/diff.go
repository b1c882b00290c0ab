package config

import (
	"reflect"
	"sort"
	"strings"

	logx "expansionbot/pkg/logx"
)

// Change summarizes the difference between two configs.
//
// Attrs never include secrets: tokens are reported as set/unset only.
type Change struct {
	Sections []string
	Attrs    []logx.Field

	// Restart lists sections that changed but only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares old and new section by section.
// Logging and bot.name are applied live; everything else needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
	}

	ob, nb := oldCfg.Bot, newCfg.Bot
	if ob != nb {
		nameOnly := ob.Policy == nb.Policy && ob.QueueSize == nb.QueueSize && ob.PostTimeout == nb.PostTimeout
		mark("bot", !nameOnly,
			logx.String("bot.name", nb.Name),
			logx.String("bot.policy", nb.Policy),
			logx.Int("bot.queue_size", nb.QueueSize),
		)
	}

	oc, nc := oldCfg.Chat, newCfg.Chat
	if oc.Driver != nc.Driver || oc.APIBase != nc.APIBase || oc.PollTimeout != nc.PollTimeout ||
		oc.PostsPerSec != nc.PostsPerSec || !reflect.DeepEqual(oc.Chats, nc.Chats) ||
		strings.TrimSpace(oc.Token) != strings.TrimSpace(nc.Token) {
		mark("chat", true,
			logx.String("chat.driver", nc.Driver),
			logx.Bool("chat.token_set", strings.TrimSpace(nc.Token) != ""),
			logx.Int("chat.known_chats", len(nc.Chats)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Report != newCfg.Report {
		mark("report", true,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", newCfg.Report.Schedule),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		mark("ops", true,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}
