// Package sync provides the spinlocks used by the memory manager. Nothing in
// the kernel may block, so every lock busy-waits.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked while spinning once attemptsBeforeYield acquisition
	// attempts have failed. It stays nil until the scheduler provides a
	// yield primitive; tests set it to runtime.Gosched.
	yieldFn func()
)

const attemptsBeforeYield = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) == 1
}
