// Package socket implements StreamSocket, DatagramSocket, and Listener:
// the three connection-shaped primitives every Backend hands out.
package socket

import (
	"context"
	"sync"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/stream"
)

// StreamSocket is a bidirectional reliable socket over two ByteStreams.
type StreamSocket struct {
	Inbound  stream.ByteStream
	Outbound stream.ByteStream

	mu     sync.Mutex
	closed bool
}

// NewPair allocates two AsyncBuffers (A, B) and returns two symmetric
// StreamSockets: {inbound: B, outbound: A} and {inbound: A, outbound: B},
// so that writing on one side's Outbound is readable via the other
// side's Inbound.
func NewPair(highWaterMark int) (*StreamSocket, *StreamSocket) {
	aReader, aWriter := stream.CreatePipe(highWaterMark)
	bReader, bWriter := stream.CreatePipe(highWaterMark)
	s1 := &StreamSocket{Inbound: bReader, Outbound: aWriter}
	s2 := &StreamSocket{Inbound: aReader, Outbound: bWriter}
	return s1, s2
}

// Read pulls the next chunk from the inbound buffer.
func (s *StreamSocket) Read(ctx context.Context) ([]byte, error) {
	return s.Inbound.Read(ctx)
}

// Write pushes a chunk to the outbound buffer, failing ESTREAMCLOSED if
// the outbound buffer refused it.
func (s *StreamSocket) Write(chunk []byte) error {
	return s.Outbound.Write(chunk)
}

// Close is idempotent and closes both buffers.
func (s *StreamSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.Inbound.Close()
	_ = s.Outbound.Close()
	return nil
}

// Closed reports whether Close has been called on this socket.
func (s *StreamSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// DatagramSocket is an unreliable message socket with a synchronous
// delivery callback, no buffering.
type DatagramSocket struct {
	mu        sync.Mutex
	sendFn    func(address string, data []byte) error
	onMessage func(from string, data []byte)
	onClose   func()
	localPort int
	closed    bool
}

// NewDatagramSocket constructs a DatagramSocket bound to localPort, using
// sendFn to transmit outbound datagrams and onClose as backend-provided
// cleanup.
func NewDatagramSocket(localPort int, sendFn func(address string, data []byte) error, onClose func()) *DatagramSocket {
	return &DatagramSocket{sendFn: sendFn, onClose: onClose, localPort: localPort}
}

// LocalPort returns the bound port.
func (d *DatagramSocket) LocalPort() int { return d.localPort }

// Send transmits data to address via the backend send function. Fails
// ESTREAMCLOSED if the socket is closed.
func (d *DatagramSocket) Send(address string, data []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return kerrors.New(kerrors.EStreamClosed, "datagram socket closed")
	}
	sendFn := d.sendFn
	d.mu.Unlock()
	return sendFn(address, data)
}

// OnMessage registers the single handler invoked by Deliver.
func (d *DatagramSocket) OnMessage(cb func(from string, data []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = cb
}

// Deliver is the backend-side injection point for an inbound datagram.
func (d *DatagramSocket) Deliver(from string, data []byte) {
	d.mu.Lock()
	cb := d.onMessage
	closed := d.closed
	d.mu.Unlock()
	if closed || cb == nil {
		return
	}
	cb(from, data)
}

// Close clears the message handler and invokes the backend cleanup
// callback. Idempotent.
func (d *DatagramSocket) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.onMessage = nil
	onClose := d.onClose
	d.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

// Closed reports whether Close has been called.
func (d *DatagramSocket) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Listener is a bounded accept queue.
type Listener struct {
	mu        sync.Mutex
	localPort int
	queue     []*StreamSocket
	waiters   []chan *StreamSocket
	maxQueue  int
	closed    bool
	onClose   func()
}

// NewListener constructs a Listener bound to localPort with the given
// maximum backlog.
func NewListener(localPort, maxQueue int, onClose func()) *Listener {
	if maxQueue <= 0 {
		maxQueue = 128
	}
	return &Listener{localPort: localPort, maxQueue: maxQueue, onClose: onClose}
}

// LocalPort returns the bound port.
func (l *Listener) LocalPort() int { return l.localPort }

// Enqueue delivers sock to the oldest waiting Accept call, or pushes it
// onto the bounded backlog. If the backlog is full and no Accept is
// waiting, sock is dropped silently (TCP backlog semantics).
func (l *Listener) Enqueue(sock *StreamSocket) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	for len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		w <- sock
		return
	}
	if len(l.queue) >= l.maxQueue {
		l.mu.Unlock()
		return // backlog full: drop silently
	}
	l.queue = append(l.queue, sock)
	l.mu.Unlock()
}

// Accept resolves to the next socket, or nil if the listener is closed
// with nothing pending.
func (l *Listener) Accept(ctx context.Context) (*StreamSocket, error) {
	l.mu.Lock()
	if len(l.queue) > 0 {
		sock := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		return sock, nil
	}
	if l.closed {
		l.mu.Unlock()
		return nil, nil
	}
	ch := make(chan *StreamSocket, 1)
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case sock := <-ch:
		return sock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close resolves all pending Accept calls with nil, clears the backlog,
// and invokes the backend cleanup callback. Idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	waiters := l.waiters
	l.waiters = nil
	l.queue = nil
	onClose := l.onClose
	l.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	if onClose != nil {
		onClose()
	}
	return nil
}

// Closed reports whether Close has been called.
func (l *Listener) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
