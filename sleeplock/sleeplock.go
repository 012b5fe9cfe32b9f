package sleeplock

import (
	"sync"
)

//
// A blocking one-holder lock that may be held across disk I/O. A caller
// blocked in Acquire suspends on a condition variable until the holder
// releases; short-lived mutexes protect only the lock state itself.
//

type Lock struct {
	mu     *sync.Mutex
	cond   *sync.Cond
	locked bool
}

func MkLock() *Lock {
	mu := new(sync.Mutex)
	lk := &Lock{
		mu:     mu,
		cond:   sync.NewCond(mu),
		locked: false,
	}
	return lk
}

func (lk *Lock) Acquire() {
	lk.mu.Lock()
	for lk.locked {
		lk.cond.Wait()
	}
	lk.locked = true
	lk.mu.Unlock()
}

// Release wakes one waiter, if any are queued.
func (lk *Lock) Release() {
	lk.mu.Lock()
	if !lk.locked {
		lk.mu.Unlock()
		panic("sleeplock: release of unheld lock")
	}
	lk.locked = false
	lk.mu.Unlock()
	lk.cond.Signal()
}

// Held reports whether some holder currently owns the lock. Goroutines
// have no identity, so this cannot distinguish the caller from another
// holder.
func (lk *Lock) Held() bool {
	lk.mu.Lock()
	held := lk.locked
	lk.mu.Unlock()
	return held
}
