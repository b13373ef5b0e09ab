// Package halt is the kernel's panic(): the one way out for broken invariants.
//
// Nothing in here returns. A violated invariant in the allocator or the buffer
// cache means memory bookkeeping is already corrupt, so the unit of execution
// that noticed it stops right there. The panic value is a *Fatal so tests (and
// a top-level recover, if anyone installs one) can tell a deliberate halt from
// an ordinary runtime panic.
package halt

import (
	"fmt"
	"log/slog"
)

type Fatal struct {
	Msg		string
	Attrs	[]any
}

func (f *Fatal) Error() string {
	return "panic: " + f.Msg
}

func (f *Fatal) String() string {
	if len(f.Attrs) == 0 {
		return f.Error()
	}
	return fmt.Sprintf("%s %v", f.Error(), f.Attrs)
}

// Panic logs msg with attrs at error level on log (slog.Default() if nil) and panics.
func Panic(log *slog.Logger, msg string, attrs ...any) {
	if log == nil {
		log = slog.Default()
	}
	log.Error("panic: "+msg, attrs...)
	panic(&Fatal{Msg: msg, Attrs: attrs})
}
