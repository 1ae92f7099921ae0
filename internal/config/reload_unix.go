//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler listens for SIGHUP and triggers a reload.
func (r *Reloader) registerSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ch:
				r.logger.Info("SIGHUP received, reloading configuration")
				r.Reload()
			case <-r.stopCh:
				signal.Stop(ch)
				return
			}
		}
	}()
}
