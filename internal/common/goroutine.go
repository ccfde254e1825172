// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected goroutine wrappers
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// goroutineCounter tracks spawned goroutines for diagnostics
var goroutineCounter int64

// GetGoroutineCount returns the number of goroutines spawned via SafeGo
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// PanicError wraps a recovered panic value together with its stack
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// AsPanicError converts a recovered value into a *PanicError, nil when r is nil.
// Call it directly inside a deferred function so the stack is the panicking one.
func AsPanicError(r any) *PanicError {
	if r == nil {
		return nil
	}
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return &PanicError{Value: r, Stack: string(buf[:n])}
}

// SafeGo runs a function in a goroutine with panic recovery.
// Panics are logged but don't crash the service.
//
// Example:
//
//	common.SafeGo(logger, "broadcastScan", func() {
//	    ws.BroadcastScan(event)
//	})
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer func() {
			if perr := AsPanicError(recover()); perr != nil {
				logPanic(logger, name, perr)
			}
		}()

		fn()
	}()
}

func logPanic(logger arbor.ILogger, name string, perr *PanicError) {
	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, perr.Value, perr.Stack)
		return
	}
	logger.Error().
		Str("goroutine", name).
		Str("panic", fmt.Sprintf("%v", perr.Value)).
		Str("stack", perr.Stack).
		Msg("Recovered from panic in goroutine - continuing service operation")
}
