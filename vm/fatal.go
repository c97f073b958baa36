package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("gencollect.vm")

// FatalError is the panic value raised when a collector invariant is
// violated. There is no recovery path inside the core; the process is
// expected to terminate after the diagnostic has been logged.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string {
	return "gencollect: fatal: " + e.Msg
}

// Panic logs a critical diagnostic and aborts with a *FatalError.
func Panic(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic(&FatalError{Msg: msg})
}
