// Package recovery keeps a panicking worker goroutine from taking the whole
// process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the stack trace.
// It must be deferred directly by the goroutine it protects.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "outbound")
//	    // ... worker loop
//	}()
func RecoverWithLog(logger *slog.Logger, worker string) {
	if r := recover(); r != nil {
		logPanic(logger, worker, r)
	}
}

// Go runs fn on a new goroutine guarded by RecoverWithLog. The returned
// channel is closed once fn has returned or panicked.
func Go(logger *slog.Logger, worker string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverWithLog(logger, worker)
		fn()
	}()
	return done
}

func logPanic(logger *slog.Logger, worker string, r any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		"worker", worker,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
