// Mutual exclusion spin locks.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"kcore/internal/halt"
)

// Spinlock never parks the caller on a wait queue: Acquire loops on a CAS and
// only yields the processor between attempts. Hold it for short, bounded
// sections only (list push/pop, counter updates).
//
// Implements sync.Locker so it can back a sync.Cond (see sleeplock).
type Spinlock struct {
	locked	atomic.Uint32
	name	string
}

func (lk *Spinlock) Init(name string) {
	lk.name = name
	lk.locked.Store(0)
}

func (lk *Spinlock) Name() string {
	return lk.name
}

func (lk *Spinlock) Acquire() {
	for !lk.locked.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (lk *Spinlock) Release() {
	if !lk.locked.CompareAndSwap(1, 0) {
		halt.Panic(nil, "release", "lock", lk.name)
	}
}

// Holding reports whether the lock is currently held. There is no owner
// identity for goroutines, so this means "held by someone".
func (lk *Spinlock) Holding() bool {
	return lk.locked.Load() == 1
}

func (lk *Spinlock) Lock()   { lk.Acquire() }
func (lk *Spinlock) Unlock() { lk.Release() }
