// File: internal/proxy/client.go
// Author: momentics <momentics@gmail.com>
//
// Client is the per-accepted-socket state spec.md §3/§4.3 describes: an
// inbound buffer for partially received request bytes, an outbound
// buffer for queued replies, and a lazily-bound Server association.

package proxy

import (
	"log"

	"golang.org/x/sys/unix"

	"github.com/cerbproxy/respmux/internal/ioutil"
	"github.com/cerbproxy/respmux/internal/reactor"
)

// Client is one accepted client connection.
type Client struct {
	fd    int
	proxy *Proxy

	inbound  *ioutil.Buffer
	outbound *ioutil.Buffer

	server    *Server
	inPending bool
	closed    bool
}

func newClient(fd int, p *Proxy) *Client {
	return &Client{
		fd:       fd,
		proxy:    p,
		inbound:  ioutil.New(),
		outbound: ioutil.New(),
	}
}

// FD implements Connection.
func (c *Client) FD() int { return c.fd }

// OnEvents implements Connection. Order matches spec.md §4.3: a
// peer-closed notification destroys the Client outright; otherwise a
// readable event is serviced before a writable one.
func (c *Client) OnEvents(ev reactor.EventType) {
	if ev&(reactor.Closed|reactor.Err) != 0 {
		c.Close()
		return
	}
	if ev&reactor.Readable != 0 {
		c.recvFromPeer()
		if c.closed {
			return
		}
	}
	if ev&reactor.Writable != 0 {
		c.sendToPeer()
	}
}

// recvFromPeer implements spec.md §4.3's readable transition: lazily
// obtain the shared Server, enqueue into its pending queue, then drain
// the socket.
func (c *Client) recvFromPeer() {
	if c.server == nil || c.server.closed {
		srv, err := c.proxy.ConnectUpstream()
		if err != nil {
			log.Printf("respmux: upstream connect failed: %v", err)
			c.Close()
			return
		}
		c.server = srv
	}
	if !c.inPending {
		c.server.pushPending(c)
		c.inPending = true
	}

	n, closed, err := c.inbound.ReadFromFD(c.fd)
	if err != nil {
		c.Close()
		return
	}
	if closed && n == 0 {
		c.Close()
		return
	}
	c.server.armReadWrite()
}

// sendToPeer implements spec.md §4.3's writable transition: flush the
// outbound buffer, tolerating a short write by staying armed for the
// next writable event instead of spinning (SPEC_FULL.md §9 decision 2).
func (c *Client) sendToPeer() {
	done, err := c.outbound.FlushToFD(c.fd)
	if err != nil {
		c.Close()
		return
	}
	if done {
		if err := c.proxy.reactor.Modify(c.fd, reactor.Read); err != nil {
			log.Printf("respmux: re-arm client read: %v", err)
		}
	}
}

// Close destroys the Client: it deregisters from its Server's queues
// (tombstoning ready, compacting pending) and from the reactor, then
// closes the fd exactly once (spec.md §3 Ownership, §8).
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.proxy.ShutClient(c)
	if err := c.proxy.reactor.Remove(c.fd); err != nil {
		log.Printf("respmux: deregister client: %v", err)
	}
	unix.Close(c.fd)
	delete(c.proxy.conns, c.fd)
}
