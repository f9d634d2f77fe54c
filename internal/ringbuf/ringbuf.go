// Package ringbuf provides a fixed-capacity byte ring used for crash-dump
// log capture and for PTY scrollback replay on attach.
package ringbuf

import (
	"os"
	"sync"
)

// DefaultSize is used when a non-positive capacity is requested.
const DefaultSize = 256 * 1024

// Buffer is a thread-safe circular byte buffer.
// It implements io.Writer and silently overwrites old data when full.
type Buffer struct {
	mu      sync.Mutex
	buf     []byte
	size    int
	pos     int
	full    bool
	written int64
}

// New creates a ring buffer with the given capacity in bytes.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. Data wraps around when the buffer is full.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	b.written += int64(n)
	if n >= b.size {
		copy(b.buf, p[n-b.size:])
		b.pos = 0
		b.full = true
		return n, nil
	}

	space := b.size - b.pos
	if n <= space {
		copy(b.buf[b.pos:], p)
		b.pos += n
		if b.pos == b.size {
			b.pos = 0
			b.full = true
		}
		return n, nil
	}

	copy(b.buf[b.pos:], p[:space])
	copy(b.buf, p[space:])
	b.pos = n - space
	b.full = true
	return n, nil
}

// Bytes returns a copy of the buffer contents in chronological order.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]byte, b.pos)
		copy(out, b.buf[:b.pos])
		return out
	}

	out := make([]byte, b.size)
	copy(out, b.buf[b.pos:])
	copy(out[b.size-b.pos:], b.buf[:b.pos])
	return out
}

// Len reports how many bytes are currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return b.size
	}
	return b.pos
}

// Cap reports the fixed capacity.
func (b *Buffer) Cap() int {
	return b.size
}

// Written reports the total number of bytes ever written, including overwritten ones.
func (b *Buffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Reset drops all retained data.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.pos = 0
	b.full = false
	b.written = 0
	b.mu.Unlock()
}

// DumpToFile writes the buffer contents to a file in chronological order.
func (b *Buffer) DumpToFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0o600)
}
