package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "awaymail/pkg/logx"
)

// notifySocket reports lifecycle state to systemd. Every call is a no-op
// when the process was not started with NOTIFY_SOCKET.
type notifySocket struct {
	log logx.Logger
}

func newNotifySocket(log logx.Logger) *notifySocket { return &notifySocket{log: log} }

func (n *notifySocket) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *notifySocket) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *notifySocket) Stopping() { n.notify(daemon.SdNotifyStopping) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
func (n *notifySocket) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
