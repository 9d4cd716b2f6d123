// File: internal/ioutil/buffer.go
// Author: momentics <momentics@gmail.com>
//
// Buffer is the growable byte region spec.md §3 describes: append-from-fd
// until EAGAIN, write-to-fd tolerating short writes, copy-in from an
// external range, front-truncation for partial-message residue, and
// clear.

package ioutil

import (
	"golang.org/x/sys/unix"
)

// readChunk is the size of each recv(2) attempt while draining a socket.
const readChunk = 16 * 1024

// Buffer is a contiguous, growable byte region owned by exactly one
// Connection (Client.inbound, Client.outbound, or Server.inbound).
type Buffer struct {
	data []byte
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Len reports the number of unread/unsent bytes currently buffered.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes exposes the buffered region. The caller must not retain it across
// a call that mutates the Buffer (Append, TruncateFront, Clear, FlushToFD).
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Clear discards all buffered bytes without releasing the backing array.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
}

// Append copies p onto the tail of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// TruncateFront drops the first n bytes, retaining the rest for the next
// read (spec.md §4.4 — the residual, partial trailing message).
func (b *Buffer) TruncateFront(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.Clear()
		return
	}
	b.data = append(b.data[:0], b.data[n:]...)
}

// ReadFromFD drains fd into the buffer until the kernel reports EAGAIN,
// satisfying the edge-triggered discipline of spec.md §5. n is the number
// of bytes appended by this call; closed reports whether the peer's
// orderly shutdown (a zero-byte read) was observed.
func (b *Buffer) ReadFromFD(fd int) (n int, closed bool, err error) {
	for {
		chunk := make([]byte, readChunk)
		r, e := unix.Read(fd, chunk)
		switch {
		case r > 0:
			b.data = append(b.data, chunk[:r]...)
			n += r
			continue
		case r == 0:
			return n, true, nil
		case e == unix.EAGAIN || e == unix.EWOULDBLOCK:
			return n, false, nil
		case e == unix.EINTR:
			continue
		default:
			return n, false, e
		}
	}
}

// FlushToFD writes the buffer's unsent prefix to fd, tolerating short
// writes by retaining whatever remains unsent. done is true once nothing
// remains; false means the caller should resume on the next writable
// event (spec.md Open Question on the reference implementation's EAGAIN
// busy-loop — this is the non-spinning alternative).
func (b *Buffer) FlushToFD(fd int) (done bool, err error) {
	for len(b.data) > 0 {
		n, e := unix.Write(fd, b.data)
		if n > 0 {
			b.data = b.data[n:]
		}
		switch {
		case e == nil && n > 0:
			continue
		case e == unix.EAGAIN || e == unix.EWOULDBLOCK:
			return false, nil
		case e == unix.EINTR:
			continue
		case e != nil:
			return false, e
		default: // n == 0, e == nil: kernel buffer momentarily full
			return false, nil
		}
	}
	return true, nil
}
