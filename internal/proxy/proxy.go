// File: internal/proxy/proxy.go
// Author: momentics <momentics@gmail.com>
//
// Proxy is the top-level object spec.md §3/§7 describes: one listening
// socket, a single lazily-established upstream Server, and the fd table
// tying every Connection to the reactor's readiness notifications. Run
// is the reactor loop itself — no goroutines, no locking, everything
// dispatched from epoll_wait(2) in FIFO order.

package proxy

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/cerbproxy/respmux/internal/reactor"
)

// Config bundles the startup parameters spec.md §7 leaves to deployment.
type Config struct {
	ListenAddr   string
	UpstreamAddr string
	Backlog      int
}

// Proxy multiplexes every accepted Client onto one upstream Server.
type Proxy struct {
	cfg     Config
	reactor *reactor.Reactor
	conns   map[int]Connection

	listenFd int
	server   *Server
}

// New builds a Proxy bound to cfg.ListenAddr, but does not yet bind,
// listen, or connect upstream; call Run to bind, listen and block. The
// upstream connection is made lazily on the first client request.
func New(cfg Config) (*Proxy, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	return &Proxy{
		cfg:     cfg,
		reactor: r,
		conns:   make(map[int]Connection),
	}, nil
}

// Run binds the listening socket, registers it with the reactor, and
// blocks servicing readiness events until a fatal reactor error occurs.
// Per spec.md §9's Non-goals (no graceful drain), Run never returns
// nil: the process is expected to run until killed.
func (p *Proxy) Run() error {
	fd, err := bindAndListen(p.cfg.ListenAddr, p.cfg.Backlog)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", p.cfg.ListenAddr, err)
	}
	p.listenFd = fd
	acc := newAcceptor(fd, p)
	p.conns[fd] = acc
	if err := p.reactor.Add(fd, reactor.Read); err != nil {
		return err
	}

	log.Printf("respmux: listening on %s, upstream %s", p.cfg.ListenAddr, p.cfg.UpstreamAddr)

	for {
		events, err := p.reactor.Wait()
		if err != nil {
			return fmt.Errorf("proxy: reactor wait: %w", err)
		}
		for _, ev := range events {
			conn, ok := p.conns[ev.Fd]
			if !ok {
				continue // already torn down earlier in this same batch
			}
			conn.OnEvents(ev.Type)
		}
	}
}

// AcceptFrom drains accept4(2) on the listening socket until it would
// block, registering a Client for each new connection (spec.md §4.2).
func (p *Proxy) AcceptFrom(listenFd int) {
	for {
		fd, _, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED, unix.EPROTO:
				continue // peer reset before we could accept it; try the next one
			default:
				log.Printf("respmux: accept4: %v", err)
				return
			}
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			log.Printf("respmux: set TCP_NODELAY on client: %v", err)
		}
		c := newClient(fd, p)
		p.conns[fd] = c
		if err := p.reactor.Add(fd, reactor.Read); err != nil {
			log.Printf("respmux: register client fd=%d: %v", fd, err)
			unix.Close(fd)
			delete(p.conns, fd)
		}
	}
}

// ConnectUpstream returns the current Server, establishing one with a
// fresh non-blocking connect(2) if none exists yet — on first use, or
// after a prior upstream connection was torn down (spec.md §9 decision
// 3: lazy reconnect on next client request).
func (p *Proxy) ConnectUpstream() (*Server, error) {
	if p.server != nil {
		return p.server, nil
	}
	fd, connecting, err := dialUpstream(p.cfg.UpstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, p.cfg.UpstreamAddr, err)
	}
	srv := newServer(fd, p, connecting)
	p.conns[fd] = srv
	if err := p.reactor.Add(fd, reactor.Read|reactor.Write); err != nil {
		unix.Close(fd)
		delete(p.conns, fd)
		return nil, err
	}
	p.server = srv
	return srv, nil
}

// ShutClient detaches c from its Server's queues, if it had one. It is
// a no-op once the owning Server has already begun its own teardown
// (p.server cleared first in ShutServer) so the cascade from
// Server.teardown closing every ready client doesn't loop back here.
func (p *Proxy) ShutClient(c *Client) {
	if c.server != nil && c.server == p.server {
		c.server.popClient(c)
	}
}

// ShutServer clears the Proxy's upstream reference before the caller
// proceeds to close every client still owed a reply, guaranteeing that
// none of those cascading Client.Close calls re-enters this Server.
func (p *Proxy) ShutServer(s *Server) {
	if p.server == s {
		p.server = nil
	}
}

// bindAndListen creates a non-blocking, dual SO_REUSEADDR/SO_REUSEPORT
// IPv4 TCP listening socket (spec.md §4.1/§7).
func bindAndListen(addr string, backlog int) (int, error) {
	sa, err := resolveTCP4(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// dialUpstream opens a non-blocking TCP connection to addr, tolerating
// EINPROGRESS exactly as spec.md §4.5/§6 specifies: connecting is true
// when the caller must wait for a writable event before the connection
// is actually established.
func dialUpstream(addr string) (fd int, connecting bool, err error) {
	sa, err := resolveTCP4(addr)
	if err != nil {
		return -1, false, err
	}
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		connecting = false
	case unix.EINPROGRESS:
		connecting = true
	default:
		unix.Close(fd)
		return -1, false, fmt.Errorf("connect: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		log.Printf("respmux: set TCP_NODELAY on upstream: %v", err)
	}
	return fd, connecting, nil
}
