package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	for _, size := range []uintptr{0, 1, 3, 4096, 4097} {
		buf := make([]byte, size+1)
		buf[size] = 0x11

		if size != 0 {
			Memset(uintptr(unsafe.Pointer(&buf[0])), 0xfe, size)
		}

		for i := uintptr(0); i < size; i++ {
			if buf[i] != 0xfe {
				t.Fatalf("[size %d] expected byte %d to be 0xfe; got 0x%x", size, i, buf[i])
			}
		}
		if buf[size] != 0x11 {
			t.Fatalf("[size %d] Memset wrote past the end of the target region", size)
		}
	}
}

func TestMemcopy(t *testing.T) {
	src := []byte("physical page contents")
	dst := make([]byte, len(src))

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(len(src)))

	if string(dst) != string(src) {
		t.Fatalf("expected dst to be %q; got %q", src, dst)
	}

	// Zero-sized copies must not dereference their arguments.
	Memcopy(0, 0, 0)
}
