// File: internal/ioutil/pendingwrite.go
// Author: momentics <momentics@gmail.com>
//
// PendingWrite holds the unwritten tail of a vectored (scatter/gather)
// write across however many writable events it takes to drain it,
// avoiding the reference implementation's busy-loop on EAGAIN (spec.md
// Open Question, §9 decision 2 in SPEC_FULL.md).

package ioutil

import (
	"golang.org/x/sys/unix"
)

// PendingWrite is the scatter/gather descriptor spec.md §3/§4.4 asks the
// Buffer abstraction to expose, specialized to the Server's coalesced
// upstream flush: one chunk per promoted client, in *ready* order.
type PendingWrite struct {
	chunks [][]byte
}

// NewPendingWrite builds a PendingWrite over chunks, in order. Empty
// chunks are dropped up front since they contribute nothing to iovec.
func NewPendingWrite(chunks [][]byte) *PendingWrite {
	filtered := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		if len(c) > 0 {
			filtered = append(filtered, c)
		}
	}
	return &PendingWrite{chunks: filtered}
}

// Done reports whether every chunk has been fully written.
func (p *PendingWrite) Done() bool {
	return len(p.chunks) == 0
}

// Flush issues writev(2) over every remaining chunk, advancing internal
// state by however many bytes the kernel accepted and repeating until
// Done or the kernel stops accepting bytes. It
// returns nil once Done, unix.EAGAIN when the caller should retry on the
// next writable event, and any other error as fatal to the connection.
func (p *PendingWrite) Flush(fd int) error {
	for !p.Done() {
		n, err := unix.Writev(fd, p.chunks)
		if n > 0 {
			p.advance(n)
		}
		switch {
		case err == nil && n > 0:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return unix.EAGAIN
		case err == unix.EINTR:
			continue
		case err != nil:
			return err
		default: // n == 0, err == nil
			return unix.EAGAIN
		}
	}
	return nil
}

func (p *PendingWrite) advance(n int) {
	for n > 0 && len(p.chunks) > 0 {
		c := p.chunks[0]
		if n < len(c) {
			p.chunks[0] = c[n:]
			return
		}
		n -= len(c)
		p.chunks = p.chunks[1:]
	}
}
