// File: internal/proxy/server.go
// Author: momentics <momentics@gmail.com>
//
// Server owns the single upstream connection a Proxy multiplexes every
// Client onto. It tracks two sequences (spec.md §3): pending (clients
// with buffered, unforwarded request bytes) and ready (clients awaiting
// a reply, aligned 1:1 with outstanding upstream replies). The ordering
// invariant — only coalesce and forward a new pending batch once ready
// is empty — is enforced entirely in sendToUpstream.

package proxy

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/cerbproxy/respmux/internal/ioutil"
	"github.com/cerbproxy/respmux/internal/reactor"
	"github.com/cerbproxy/respmux/internal/resp"
)

// Server is the single upstream connection.
type Server struct {
	fd    int
	proxy *Proxy

	inbound *ioutil.Buffer
	pending *pendingQueue
	ready   *readyQueue

	write      *ioutil.PendingWrite
	writeArmed bool
	connecting bool
	closed     bool
}

// newServer wraps fd into a Server. connecting is true when fd's
// connect(2) is still in flight, in which case the caller must register
// fd for Read|Write (spec.md §4.5: "write fires on connect completion");
// an already-established fd only needs Read until something is pending.
func newServer(fd int, p *Proxy, connecting bool) *Server {
	return &Server{
		fd:         fd,
		proxy:      p,
		inbound:    ioutil.New(),
		pending:    newPendingQueue(),
		ready:      newReadyQueue(),
		writeArmed: connecting,
		connecting: connecting,
	}
}

// FD implements Connection.
func (s *Server) FD() int { return s.fd }

// OnEvents implements Connection.
func (s *Server) OnEvents(ev reactor.EventType) {
	if s.connecting {
		if ev&reactor.Writable != 0 {
			if err := s.completeConnect(); err != nil {
				s.fatal(err)
				return
			}
		}
		if s.connecting {
			return // spurious wakeup before connect(2) actually finished
		}
	}
	if ev&(reactor.Closed|reactor.Err) != 0 {
		s.teardown()
		return
	}
	if ev&reactor.Writable != 0 {
		s.sendToUpstream()
		if s.closed {
			return
		}
	}
	if ev&reactor.Readable != 0 {
		s.recvFromUpstream()
	}
}

// completeConnect checks SO_ERROR on the first writable event after a
// non-blocking connect(2), per spec.md §4.5's EINPROGRESS handshake. On
// success it falls through to the normal armed-for-write path so any
// requests a Client buffered while connecting flush immediately.
func (s *Server) completeConnect() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, unix.Errno(errno))
	}
	s.connecting = false
	s.sendToUpstream()
	return nil
}

// pushPending enqueues c, called exactly once per pending membership by
// Client.recvFromPeer's inPending guard.
func (s *Server) pushPending(c *Client) {
	s.pending.push(c)
}

// armReadWrite makes sure the upstream fd is watched for writability so
// sendToUpstream gets a chance to run; called whenever new bytes land in
// a client's inbound buffer.
func (s *Server) armReadWrite() {
	if s.writeArmed {
		return
	}
	s.writeArmed = true
	if err := s.proxy.reactor.Modify(s.fd, reactor.Read|reactor.Write); err != nil {
		log.Printf("respmux: arm upstream write: %v", err)
	}
}

func (s *Server) armReadOnly() {
	if !s.writeArmed {
		return
	}
	s.writeArmed = false
	if err := s.proxy.reactor.Modify(s.fd, reactor.Read); err != nil {
		log.Printf("respmux: disarm upstream write: %v", err)
	}
}

// sendToUpstream implements spec.md §4.4's ordering invariant: a new
// pending batch is coalesced into one writev(2) only once ready is
// empty, and promoted to ready immediately before issuing the write so
// every promoted client has exactly one outstanding reply slot.
func (s *Server) sendToUpstream() {
	if s.write != nil {
		if err := s.flushPendingWrite(); err != nil || s.closed {
			return
		}
		if s.write != nil {
			return // still EAGAIN-blocked; wait for the next writable event
		}
	}

	if s.ready.len() > 0 || s.pending.len() == 0 {
		s.armReadOnly()
		return
	}

	batch := s.pending.drainAll()
	chunks := make([][]byte, len(batch))
	for i, c := range batch {
		// Hand the buffered bytes to the write and give c a fresh inbound
		// buffer right away: c must be able to accumulate and resubmit its
		// next request regardless of how many writable events this
		// writev(2) needs to fully drain, not just the one that promoted
		// it. Swapping here, rather than waiting for s.write to clear,
		// also sidesteps ever touching the backing array a still-pending
		// short write is reading from.
		chunks[i] = c.inbound.Bytes()
		c.inbound = ioutil.New()
		c.inPending = false
	}
	s.ready.pushBatch(batch)
	s.write = ioutil.NewPendingWrite(chunks)

	if err := s.flushPendingWrite(); err != nil || s.closed {
		return
	}
	if s.write == nil {
		s.armReadOnly()
	}
}

// flushPendingWrite drives the in-flight PendingWrite, if any, to
// completion or EAGAIN.
func (s *Server) flushPendingWrite() error {
	err := s.write.Flush(s.fd)
	switch err {
	case nil:
		s.write = nil
		return nil
	case unix.EAGAIN:
		return nil
	default:
		log.Printf("respmux: upstream write: %v", err)
		s.fatal(err)
		return err
	}
}

// recvFromUpstream drains the upstream socket, frames complete replies,
// and dispatches each to the ready queue's earliest remaining slot
// (spec.md §4.4, §6). A framer failure or an overrun of the ready queue
// is fatal for this Server (SPEC_FULL.md §9 decision 1).
func (s *Server) recvFromUpstream() {
	n, closed, err := s.inbound.ReadFromFD(s.fd)
	if err != nil {
		log.Printf("respmux: upstream read: %v", err)
		s.fatal(err)
		return
	}
	if n > 0 {
		s.dispatchReplies()
		if s.closed {
			return
		}
	}
	if closed && n == 0 {
		s.teardown()
		return
	}
	// spec.md §4.4: re-arm for read+write once a reply flush is processed,
	// since pending may have grown while this read was in flight — without
	// this, a client queued behind a non-empty ready queue (§8 scenario 5)
	// would never get flushed once ready drains.
	if s.pending.len() > 0 {
		s.armReadWrite()
	}
}

func (s *Server) dispatchReplies() {
	result, err := resp.Split(s.inbound.Bytes())
	if err != nil {
		log.Printf("respmux: upstream buffer: %q", s.inbound.Bytes())
		s.fatal(fmt.Errorf("%w: %v", ErrFramerSyntax, err))
		return
	}
	for _, msg := range result.Messages {
		c, ok := s.ready.popFront()
		if !ok {
			log.Printf("respmux: upstream buffer: %q", s.inbound.Bytes())
			s.fatal(ErrReadyUnderrun)
			return
		}
		if c == nil {
			continue // tombstoned: client disconnected before its reply arrived
		}
		c.outbound.Append(msg.Raw)
		if err := s.proxy.reactor.Modify(c.fd, reactor.Read|reactor.Write); err != nil {
			log.Printf("respmux: arm client write: %v", err)
		}
	}
	if result.Finished {
		s.inbound.Clear()
	} else {
		s.inbound.TruncateFront(result.InterruptPoint)
	}
}

// popClient removes c from whichever sequence currently holds it,
// called when a Client disconnects (spec.md §8).
func (s *Server) popClient(c *Client) {
	if c.inPending {
		s.pending.remove(c)
		c.inPending = false
	}
	s.ready.tombstone(c)
}

// fatal tears the Server down in response to an unrecoverable upstream
// error: framer syntax error, ready-queue overrun, or a failed write.
func (s *Server) fatal(err error) {
	log.Printf("respmux: upstream connection failed: %v", err)
	s.teardown()
}

// teardown destroys the Server: every client still owed a reply (the
// live entries left in ready) is closed, every client waiting in
// pending is closed as well, and the Proxy's server reference is cleared before any of that
// happens so the cascading Client.Close calls don't re-enter this
// Server (spec.md §4.4 "upstream half-close", §8).
func (s *Server) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	s.proxy.ShutServer(s)

	if err := s.proxy.reactor.Remove(s.fd); err != nil {
		log.Printf("respmux: deregister upstream: %v", err)
	}
	unix.Close(s.fd)
	delete(s.proxy.conns, s.fd)

	for _, c := range s.ready.drainAll() {
		c.Close()
	}
	for _, c := range s.pending.drainAll() {
		c.Close()
	}
}
