// Package async detaches the engine's background work with panic
// containment. Run loops, trigger fibers, heartbeats, and observer fan-out
// all start through Go, so a panicking node handler or observer cannot take
// the server down with it.
package async

import "runtime/debug"

// PanicLogger receives the report when a detached goroutine panics.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine. A panic in fn is logged with its stack
// under the given name and swallowed; the process keeps serving.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil || logger == nil {
				return
			}
			if name == "" {
				name = "unnamed"
			}
			logger.Error("background goroutine %q panicked: %v\n%s", name, r, debug.Stack())
		}()
		fn()
	}()
}
