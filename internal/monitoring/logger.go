package monitoring

import (
	"log"

	"go.uber.org/atomic"
)

// LogFunc is a printf-style logger.
type LogFunc func(format string, v ...interface{})

var logger = atomic.NewPointer[LogFunc](nil)

func init() {
	SetLogger(log.Printf)
}

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger at any time, including while other goroutines
// are logging.
func Logf(format string, v ...interface{}) {
	if f := logger.Load(); f != nil {
		(*f)(format, v...)
	}
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	logger.Store(&f)
}

// Prefixed returns a logger that prepends prefix to every message and writes
// through Logf.
func Prefixed(prefix string) LogFunc {
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
