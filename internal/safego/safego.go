package safego

import (
	"log"
	"runtime/debug"
)

// Go launches fn on a new goroutine. If fn panics, the panic and stack are
// written to the logger before re-panicking, so crashes are never lost when
// the terminal is owned by the dashboard.
func Go(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
