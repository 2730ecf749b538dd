// Package msgport implements paired FIFO message channels. Posting to one
// port delivers to the other's listeners. Delivery is asynchronous but
// preserves per-sender FIFO order, modeled after the spec's "microtask
// equivalent": an in-memory pending-deliveries FIFO drained before
// control returns to any external caller (§9 design notes), here a
// per-port delivery goroutine fed by a buffered channel.
package msgport

import (
	"sync"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
)

// Listener receives delivered messages.
type Listener func(msg any)

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// Port is one half of a paired message channel.
type Port struct {
	mu        sync.Mutex
	peer      *Port
	listeners map[int]Listener
	nextID    int
	closed    bool
	queue     chan any
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPair constructs two Ports, each the other's peer. Posting to one
// delivers to the other's listeners.
func NewPair() (*Port, *Port) {
	a := &Port{listeners: make(map[int]Listener), queue: make(chan any, 256), done: make(chan struct{})}
	b := &Port{listeners: make(map[int]Listener), queue: make(chan any, 256), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	a.wg.Add(1)
	go a.deliverLoop()
	b.wg.Add(1)
	go b.deliverLoop()
	return a, b
}

// deliverLoop drains this port's inbound queue in FIFO order, invoking
// every currently registered listener for each message. It runs on the
// port's own goroutine, asynchronously to Post: a listener may run before
// or after the Post call that enqueued its message has returned.
func (p *Port) deliverLoop() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.mu.Lock()
			ls := make([]Listener, 0, len(p.listeners))
			for _, l := range p.listeners {
				ls = append(ls, l)
			}
			p.mu.Unlock()
			for _, l := range ls {
				func() {
					defer func() { recover() }() // listener errors are swallowed
					l(msg)
				}()
			}
		case <-p.done:
			// drain remaining queued messages' delivery is not attempted;
			// a closed port's listeners were already discarded by Close.
			return
		}
	}
}

// Post enqueues msg for delivery to the peer's listeners. Posting after
// this port is closed fails with ESTREAMCLOSED. Posting to a closed peer
// is a silent drop.
func (p *Port) Post(msg any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return kerrors.New(kerrors.EStreamClosed, "message port closed")
	}
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return nil // silent drop
	}
	peer.mu.Unlock()

	select {
	case peer.queue <- msg:
	case <-peer.done:
		// peer closed between the check above and the send; silent drop.
	}
	return nil
}

// On registers a listener for delivered messages, returning an
// Unsubscribe function.
func (p *Port) On(l Listener) Unsubscribe {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = l
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Close discards this port's listeners and makes subsequent Posts fail
// with ESTREAMCLOSED. Idempotent.
func (p *Port) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.listeners = make(map[int]Listener)
	p.mu.Unlock()
	close(p.done)
	p.wg.Wait()
}

// Closed reports whether this port has been closed.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
