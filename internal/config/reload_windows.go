//go:build windows

package config

// registerSignalHandler is a no-op on Windows (no SIGHUP).
func (r *Reloader) registerSignalHandler() {}
