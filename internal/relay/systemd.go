package relay

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "zulipnotify/pkg/logx"
)

// Service states reported to the service manager.
const (
	StateReady     = daemon.SdNotifyReady
	StateReloading = daemon.SdNotifyReloading
	StateStopping  = daemon.SdNotifyStopping
	StateWatchdog  = daemon.SdNotifyWatchdog
)

// StateNotifier reports service state. It matches daemon.SdNotify without
// the unsetEnv flag.
type StateNotifier interface {
	Notify(state string) (bool, error)
	// WatchdogInterval returns 0 when no watchdog is configured.
	WatchdogInterval() (time.Duration, error)
}

type systemdNotifier struct{}

func (systemdNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (systemdNotifier) WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

func (r *Relay) notifyState(state string) {
	if _, err := r.sd.Notify(state); err != nil {
		r.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

// watchdogLoop pings at half the configured interval.
func (r *Relay) watchdogLoop(ctx context.Context) {
	iv, err := r.sd.WatchdogInterval()
	if err != nil {
		r.log.Warn("watchdog interval unreadable", logx.Err(err))
		return
	}
	if iv <= 0 {
		return
	}
	t := time.NewTicker(iv / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.notifyState(StateWatchdog)
		}
	}
}
