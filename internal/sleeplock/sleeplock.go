// Sleeping locks
package sleeplock

import (
	"sync"

	"kcore/internal/halt"
	"kcore/internal/spinlock"
)

// Long-term lock for things that may be held across disk I/O. A waiter parks on
// the condition variable instead of spinning; the inner spinlock only guards
// the locked flag. No timeout, no cancellation, no priority inheritance.
type Sleeplock struct {
	lk		spinlock.Spinlock
	cond	sync.Cond
	locked	bool
	name	string
}

func (lk *Sleeplock) Init(name string) {
	lk.lk.Init("sleep lock")
	lk.cond.L = &lk.lk
	lk.locked = false
	lk.name = name
}

func (lk *Sleeplock) Acquire() {
	lk.lk.Acquire()
	for lk.locked {
		lk.cond.Wait()
	}
	lk.locked = true
	lk.lk.Release()
}

func (lk *Sleeplock) Release() {
	lk.lk.Acquire()
	if !lk.locked {
		lk.lk.Release()
		halt.Panic(nil, "releasesleep", "lock", lk.name)
	}
	lk.locked = false
	lk.cond.Signal()
	lk.lk.Release()
}

// Held reports whether anyone holds the lock.
func (lk *Sleeplock) Held() bool {
	lk.lk.Acquire()
	r := lk.locked
	lk.lk.Release()
	return r
}
