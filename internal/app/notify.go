package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Service manager states sent through sd_notify.
const (
	NotifyReady    = daemon.SdNotifyReady
	NotifyStopping = daemon.SdNotifyStopping
	NotifyWatchdog = daemon.SdNotifyWatchdog
)

// Notifier reports lifecycle state to the service manager.
type Notifier interface {
	Notify(state string)
}

// systemdNotifier is a no-op outside systemd (NOTIFY_SOCKET unset).
type systemdNotifier struct{}

func (systemdNotifier) Notify(state string) { _, _ = daemon.SdNotify(false, state) }

// watchdog pings systemd at half the configured WatchdogSec.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.notify.Notify(NotifyWatchdog)
		}
	}
}
