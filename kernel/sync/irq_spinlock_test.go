package sync

import (
	"gophermm/kernel/cpu"
	"testing"
)

func TestIRQSpinlock(t *testing.T) {
	defer func() {
		interruptsEnabledFn = cpu.InterruptsEnabled
		disableInterruptsFn = cpu.DisableInterrupts
		enableInterruptsFn = cpu.EnableInterrupts
	}()

	var enabled bool
	interruptsEnabledFn = func() bool { return enabled }
	disableInterruptsFn = func() { enabled = false }
	enableInterruptsFn = func() { enabled = true }

	specs := []struct {
		enabledBefore bool
	}{
		{true},
		{false},
	}

	for specIndex, spec := range specs {
		var l IRQSpinlock
		enabled = spec.enabledBefore

		l.Acquire()
		if enabled {
			t.Errorf("[spec %d] expected interrupts to be disabled while the lock is held", specIndex)
		}
		if !l.Held() {
			t.Errorf("[spec %d] expected Held to return true", specIndex)
		}

		l.Release()
		if enabled != spec.enabledBefore {
			t.Errorf("[spec %d] expected interrupt state to be restored to %t; got %t", specIndex, spec.enabledBefore, enabled)
		}
		if l.Held() {
			t.Errorf("[spec %d] expected Held to return false after Release", specIndex)
		}
	}

	t.Run("nested locks", func(t *testing.T) {
		var outer, inner IRQSpinlock
		enabled = true

		outer.Acquire()
		inner.Acquire()
		inner.Release()
		if enabled {
			t.Fatal("expected interrupts to stay disabled while the outer lock is held")
		}
		outer.Release()
		if !enabled {
			t.Fatal("expected interrupts to be enabled after releasing the outer lock")
		}
	})
}
