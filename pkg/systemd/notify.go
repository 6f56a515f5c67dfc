// Package systemd reports service state to systemd (Type=notify units).
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notify sends one state line. sent is false when NOTIFY_SOCKET is unset.
func Notify(state string) (sent bool, err error) {
	return daemon.SdNotify(false, state)
}

func Ready() (bool, error) { return Notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return Notify(daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return Notify(daemon.SdNotifyReloading) }

// Status sets the free-form status shown by `systemctl status`.
func Status(msg string) (bool, error) { return Notify("STATUS=" + msg) }

// WatchdogInterval is the keep-alive period requested by the unit, or 0 when
// WatchdogSec is not set.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// Watchdog pings systemd at half the requested interval until ctx is done.
// It returns immediately when no watchdog is configured.
func Watchdog(ctx context.Context) error {
	iv := WatchdogInterval()
	if iv <= 0 {
		return nil
	}
	t := time.NewTicker(iv / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := Notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
