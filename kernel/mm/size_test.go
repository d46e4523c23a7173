package mm

import "testing"

func TestSizePages(t *testing.T) {
	specs := []struct {
		size Size
		exp  uint64
	}{
		{0, 0},
		{1 * Byte, 1},
		{4 * Kb, 1},
		{4*Kb + 1, 2},
		{64 * Mb, 16384},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.exp {
			t.Errorf("[spec %d] expected Pages() to return %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestPageAlign(t *testing.T) {
	specs := []struct {
		addr, expUp, expDown uint64
	}{
		{0, 0, 0},
		{1, 4096, 0},
		{4096, 4096, 4096},
		{0x9fc00, 0xa0000, 0x9f000},
	}

	for specIndex, spec := range specs {
		if got := PageAlignUp(spec.addr); got != spec.expUp {
			t.Errorf("[spec %d] expected PageAlignUp(0x%x) to return 0x%x; got 0x%x", specIndex, spec.addr, spec.expUp, got)
		}
		if got := PageAlignDown(spec.addr); got != spec.expDown {
			t.Errorf("[spec %d] expected PageAlignDown(0x%x) to return 0x%x; got 0x%x", specIndex, spec.addr, spec.expDown, got)
		}
	}
}
