package kfmt

import "io"

// ringBufferSize is large enough to hold the early boot log of the memory
// manager (memory map dump included). It must be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, each write overwrites the oldest unread byte.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// head is the index of the oldest unread byte and count the number of
	// unread bytes.
	head, count int
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.head+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read copies up to len(p) unread bytes into p. It returns io.EOF once the
// buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for ; n < len(p) && rb.count > 0; n++ {
		p[n] = rb.buffer[rb.head]
		rb.head = (rb.head + 1) & (ringBufferSize - 1)
		rb.count--
	}

	return n, nil
}
