// File: internal/proxy/queue.go
// Author: momentics <momentics@gmail.com>
//
// pendingQueue and readyQueue are the two client sequences spec.md §3
// assigns to a Server. pendingQueue is a plain FIFO — clients buffered but
// not yet forwarded, freely compactable on disconnect — built on
// github.com/eapache/queue, the ring-buffer FIFO the teacher's go.mod
// already carried but never imported. readyQueue needs slot-stable
// removal (tombstoning, spec.md §9) that a compacting FIFO cannot give
// us, so it is a small hand-rolled slice-with-head deque instead.

package proxy

import "github.com/eapache/queue"

// pendingQueue holds clients whose request bytes are buffered but not yet
// written upstream.
type pendingQueue struct {
	q *queue.Queue
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{q: queue.New()}
}

func (p *pendingQueue) len() int {
	return p.q.Length()
}

func (p *pendingQueue) push(c *Client) {
	p.q.Add(c)
}

// drainAll removes and returns every client currently pending, in FIFO
// order, leaving the queue empty.
func (p *pendingQueue) drainAll() []*Client {
	n := p.q.Length()
	out := make([]*Client, n)
	for i := 0; i < n; i++ {
		out[i] = p.q.Remove().(*Client)
	}
	return out
}

// remove drops target from the queue if present, preserving the relative
// order of everything else (spec.md §8: "no entry in pending equals c").
func (p *pendingQueue) remove(target *Client) {
	n := p.q.Length()
	for i := 0; i < n; i++ {
		c := p.q.Remove().(*Client)
		if c != target {
			p.q.Add(c)
		}
	}
}

// readyQueue holds clients whose requests were forwarded upstream and are
// awaiting a reply, aligned 1:1 with pending upstream replies. A nil slot
// is a tombstone: a client that disconnected after its request was
// written but before the matching reply arrived (spec.md §4.4, §9).
type readyQueue struct {
	items []*Client
	head  int
}

func newReadyQueue() *readyQueue {
	return &readyQueue{}
}

func (r *readyQueue) len() int {
	return len(r.items) - r.head
}

// pushBatch installs a freshly promoted batch. It must only be called
// when len() == 0 — the ordering invariant spec.md §4.4 requires of
// _send_to — so it always starts from a clean slice.
func (r *readyQueue) pushBatch(clients []*Client) {
	r.items = clients
	r.head = 0
}

// popFront removes and returns the earliest remaining slot, including
// tombstones (the caller distinguishes a tombstone by a nil result).
func (r *readyQueue) popFront() (*Client, bool) {
	if r.head >= len(r.items) {
		return nil, false
	}
	c := r.items[r.head]
	r.head++
	return c, true
}

// tombstone replaces every live occurrence of target with nil without
// shifting any other slot's position.
func (r *readyQueue) tombstone(target *Client) {
	for i := r.head; i < len(r.items); i++ {
		if r.items[i] == target {
			r.items[i] = nil
		}
	}
}

// drainAll returns every non-tombstoned client still in the queue, in
// order, and empties the queue. Used when the Server itself is torn down
// and every client still owed a reply must be destroyed (spec.md §4.4
// "upstream half-close").
func (r *readyQueue) drainAll() []*Client {
	out := make([]*Client, 0, r.len())
	for i := r.head; i < len(r.items); i++ {
		if r.items[i] != nil {
			out = append(out, r.items[i])
		}
	}
	r.items = nil
	r.head = 0
	return out
}
