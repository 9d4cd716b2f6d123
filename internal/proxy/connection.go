// File: internal/proxy/connection.go
// Author: momentics <momentics@gmail.com>
//
// Connection is the tagged union spec.md §3/§9 asks for: Acceptor,
// Client, or Server, each owning exactly one fd and exposing a single
// OnEvents dispatch method. Go has no sum type, so this is the usual
// interface-with-three-implementations encoding; the Proxy's fd table is
// the "owning handle" the reactor's registration conceptually is (spec.md
// §3 Ownership).

package proxy

import "github.com/cerbproxy/respmux/internal/reactor"

// Connection is implemented by Acceptor, Client, and Server.
type Connection interface {
	// FD returns the file descriptor this Connection owns.
	FD() int
	// OnEvents handles one readiness notification for this Connection's
	// fd. It may delete the Connection (and deregister it); the Proxy
	// guarantees no further dispatch to it within the same event batch
	// once that happens, since the fd table entry is removed first.
	OnEvents(ev reactor.EventType)
}

// Acceptor owns the listening socket. Its only job is to drain
// accept(2) on readability (spec.md §4.2).
type Acceptor struct {
	fd    int
	proxy *Proxy
}

func newAcceptor(fd int, p *Proxy) *Acceptor {
	return &Acceptor{fd: fd, proxy: p}
}

// FD implements Connection.
func (a *Acceptor) FD() int { return a.fd }

// OnEvents implements Connection.
func (a *Acceptor) OnEvents(ev reactor.EventType) {
	a.proxy.AcceptFrom(a.fd)
}
