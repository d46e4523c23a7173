package sync

import "gophermm/kernel/cpu"

var (
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// IRQSpinlock is a Spinlock that keeps interrupts disabled on the local CPU
// for as long as it is held. Acquire records whether interrupts were enabled
// beforehand and Release restores that state, so IRQSpinlocks may be
// acquired both from regular code and from interrupt handlers.
type IRQSpinlock struct {
	lock Spinlock

	// interruptsWereEnabled is only accessed by the lock holder.
	interruptsWereEnabled bool
}

// Acquire disables interrupts and spins until the lock becomes available.
func (l *IRQSpinlock) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.lock.Acquire()
	l.interruptsWereEnabled = enabled
}

// Release frees the lock and re-enables interrupts if they were enabled
// when the lock was acquired.
func (l *IRQSpinlock) Release() {
	restore := l.interruptsWereEnabled
	l.interruptsWereEnabled = false
	l.lock.Release()

	if restore {
		enableInterruptsFn()
	}
}

// Held reports whether the lock is currently held.
func (l *IRQSpinlock) Held() bool {
	return l.lock.Held()
}
