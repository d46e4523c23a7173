package cpu

import "testing"

func TestIsIntel(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		eax, ebx, ecx, edx uint32
		exp                bool
	}{
		// CPUID output from an Intel CPU
		{0xd, 0x756e6547, 0x6c65746e, 0x49656e69, true},
		// CPUID output from an AMD Athlon CPU
		{0x1, 68747541, 0x444d4163, 0x69746e65, false},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
			return spec.eax, spec.ebx, spec.ecx, spec.edx
		}

		if got := IsIntel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsIntel to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestAPICID(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf != 1 {
			t.Fatalf("expected CPUID leaf 1; got %d", leaf)
		}
		return 0, 0x07010800, 0, 0
	}

	if got := apicID(); got != 7 {
		t.Fatalf("expected APIC ID 7; got %d", got)
	}
}

func TestEmulate(t *testing.T) {
	Emulate()

	if !InterruptsEnabled() {
		t.Fatal("expected interrupts to start out enabled")
	}

	DisableInterrupts()
	if InterruptsEnabled() {
		t.Fatal("expected interrupts to be disabled")
	}
	EnableInterrupts()
	if !InterruptsEnabled() {
		t.Fatal("expected interrupts to be enabled")
	}

	SwitchPDT(0x1000)
	if got := ActivePDT(); got != 0x1000 {
		t.Fatalf("expected active PDT to be 0x1000; got 0x%x", got)
	}

	SetEmulatedFaultAddress(0xbadf00d)
	if got := ReadCR2(); got != 0xbadf00d {
		t.Fatalf("expected CR2 to read 0xbadf00d; got 0x%x", got)
	}

	if got := CurrentID(); got != 0 {
		t.Fatalf("expected emulated CPU ID to be 0; got %d", got)
	}

	// Must not fault
	FlushTLBEntry(0xffff800000000000)
}
