package recovery

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// ErrPanic wraps every panic converted into an error by Guard.
var ErrPanic = errors.New("panic recovered")

// Guard runs fn and turns a panic into an error wrapping ErrPanic, so the
// caller can return it instead of crashing the host process.
func Guard(log zerolog.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			log.Error().
				Str("callback", name).
				Str("error", fmt.Sprintf("%v", r)).
				Str("stack", stack).
				Msg("callback_panic_recovered")
			err = fmt.Errorf("%w in %s: %v", ErrPanic, name, r)
		}
	}()
	return fn()
}

// WithRecovery runs fn in a new goroutine; a panic is logged and swallowed.
func WithRecovery(log zerolog.Logger, name string, fn func()) {
	go WithRecoveryNamed(log, name, fn)
}

// WithRecoveryNamed runs fn on the current goroutine and reports whether it
// returned normally.
func WithRecoveryNamed(log zerolog.Logger, name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			log.Error().
				Str("worker_name", name).
				Str("error", fmt.Sprintf("%v", r)).
				Str("stack", stack).
				Msg("goroutine_panic_recovered")
			ok = false
		}
	}()
	fn()
	return true
}
