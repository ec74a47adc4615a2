package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pewcron/pkg/logx"
	"pewcron/pkg/scheduler"
)

// NotifyReady tells systemd the daemon is up. Outside systemd it does
// nothing.
func (a *App) NotifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	switch {
	case err != nil:
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	case sent:
		a.log.Debug("systemd notified ready")
	}
}

func notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// startWatchdog pings the systemd watchdog at half its interval while the
// scheduler loop is alive. A wedged loop stops the pings so systemd can
// restart the service.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if !a.loopHealthy() {
					a.log.Warn("scheduler loop not healthy; skipping watchdog ping")
					continue
				}
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("systemd watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
}

func (a *App) loopHealthy() bool {
	if a.sched.State() == scheduler.StateStopped {
		return false
	}
	for _, st := range a.sched.LoopStats() {
		if st.Name == "scheduler.loop" && st.Active > 0 {
			return true
		}
	}
	return false
}
