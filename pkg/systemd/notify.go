// Package systemd reports service state to the systemd supervisor. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready signals startup completion (Type=notify units).
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns immediately when WatchdogSec is unset.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
