// Package monitoring carries the engine's diagnostic logging hook.
package monitoring

import "log"

// Logf is the package-level diagnostic logger used for fit iteration,
// error-search and grid-scan progress lines. It defaults to log.Printf but
// may be replaced via SetLogger; tests mute it, front ends redirect it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Quiet mutes the logger and returns a restore function, for callers that
// only want to silence a single noisy stretch.
func Quiet() (restore func()) {
	prev := Logf
	Logf = func(string, ...interface{}) {}
	return func() { Logf = prev }
}
