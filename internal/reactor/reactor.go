// File: internal/reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based, edge-triggered event reactor. Every registered file
// descriptor is looked up by its own numeric value on Wait, so a Reactor
// has no userdata/pointer bookkeeping of its own; callers keep their own
// fd-to-connection table (see internal/proxy.Proxy).

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest is a bitmask of readiness a caller wants to be notified about.
type Interest uint8

const (
	// Read requests EPOLLIN | EPOLLRDHUP.
	Read Interest = 1 << iota
	// Write requests EPOLLOUT.
	Write
)

// EventType is a bitmask describing what fired on a returned Event.
type EventType uint8

const (
	// Readable means data can be read, or the listening socket has a
	// pending connection.
	Readable EventType = 1 << iota
	// Writable means the fd can accept more bytes without blocking.
	Writable
	// Closed means the peer half-closed its end (EPOLLRDHUP).
	Closed
	// Err means EPOLLERR or EPOLLHUP fired; the fd is no longer usable.
	Err
)

// Event is a single readiness notification.
type Event struct {
	Fd   int
	Type EventType
}

// Reactor wraps a single epoll instance.
type Reactor struct {
	epfd int
}

// New creates a Reactor backed by a fresh epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{epfd: epfd}, nil
}

func toEpollEvents(interest Interest) uint32 {
	var ev uint32 = unix.EPOLLET
	if interest&Read != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd for the given interest set. fd must not already be
// registered.
func (r *Reactor) Add(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Modify changes the interest set for an already-registered fd.
func (r *Reactor) Modify(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. It is safe to call after the fd has already been
// closed; a matching ENOENT/EBADF is swallowed since close(2) implicitly
// drops the epoll registration.
func (r *Reactor) Remove(fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("reactor: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// maxEvents mirrors the batch size used by the reference implementation's
// epoll_wait(events, MAX_EVENTS, -1) call.
const maxEvents = 1024

// Wait blocks until at least one registered fd is ready, or until an
// interrupting signal arrives (in which case it returns a nil, empty
// result so the caller's loop simply iterates again).
func (r *Reactor) Wait() ([]Event, error) {
	var raw [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, raw[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		var t EventType
		if e.Events&unix.EPOLLIN != 0 {
			t |= Readable
		}
		if e.Events&unix.EPOLLOUT != 0 {
			t |= Writable
		}
		if e.Events&unix.EPOLLRDHUP != 0 {
			t |= Closed
		}
		if e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			t |= Err
		}
		out = append(out, Event{Fd: int(e.Fd), Type: t})
	}
	return out, nil
}

// Close releases the epoll fd.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
