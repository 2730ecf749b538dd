// Package loopback implements the in-memory Backend used for mem:// and
// loop:// addresses: two port registries (listeners, datagram sockets)
// with ephemeral port auto-assignment.
package loopback

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/joeycumines/go-microkernel/internal/backend"
	"github.com/joeycumines/go-microkernel/internal/constants"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/socket"
)

// Backend is the loopback Backend implementation.
type Backend struct {
	mu        sync.Mutex
	listeners map[int]*socket.Listener
	datagrams map[int]*socket.DatagramSocket
	nextEph   int
	closed    bool

	highWaterMark int
	acceptQueue   int
}

// Option configures a Backend.
type Option func(*Backend)

// WithHighWaterMark overrides the stream high-water mark used for
// connections accepted by this backend.
func WithHighWaterMark(n int) Option { return func(b *Backend) { b.highWaterMark = n } }

// WithAcceptQueue overrides the listener backlog size.
func WithAcceptQueue(n int) Option { return func(b *Backend) { b.acceptQueue = n } }

// New constructs a loopback Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		listeners:     make(map[int]*socket.Listener),
		datagrams:     make(map[int]*socket.DatagramSocket),
		nextEph:       constants.EphemeralPortLow,
		highWaterMark: constants.DefaultHighWaterMark,
		acceptQueue:   constants.DefaultAcceptQueueMax,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) allocEphemeral() (int, error) {
	start := b.nextEph
	for {
		p := b.nextEph
		b.nextEph++
		if b.nextEph > constants.EphemeralPortHigh {
			b.nextEph = constants.EphemeralPortLow
		}
		if _, used := b.listeners[p]; !used {
			return p, nil
		}
		if b.nextEph == start {
			return 0, kerrors.New(kerrors.EAddrInUse, "no ephemeral ports available")
		}
	}
}

// Listen binds a listener on port (0 for ephemeral auto-assign from
// [49152, 65535], wrapping). A collision across the entire range fails
// EADDRINUSE; an explicit-port collision also fails EADDRINUSE.
func (b *Backend) Listen(ctx context.Context, port int) (*socket.Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if port == 0 {
		p, err := b.allocEphemeral()
		if err != nil {
			return nil, err
		}
		port = p
	} else if _, used := b.listeners[port]; used {
		return nil, kerrors.Newf(kerrors.EAddrInUse, "port %d already in use", port).
			WithField("port", port)
	}

	l := socket.NewListener(port, b.acceptQueue, func() {
		b.mu.Lock()
		delete(b.listeners, port)
		b.mu.Unlock()
	})
	b.listeners[port] = l
	return l, nil
}

// Connect looks up the listener on port, creates a socket pair, and
// enqueues the server side. Fails ECONNREFUSED if nothing is listening.
func (b *Backend) Connect(ctx context.Context, host string, port int) (*socket.StreamSocket, error) {
	b.mu.Lock()
	l, ok := b.listeners[port]
	b.mu.Unlock()
	if !ok {
		return nil, kerrors.Newf(kerrors.EConnRefused, "nothing listening on %s:%d", host, port).
			WithField("port", port)
	}

	clientSide, serverSide := socket.NewPair(b.highWaterMark)
	l.Enqueue(serverSide)
	return clientSide, nil
}

// BindDatagram allocates a datagram socket whose send function parses
// "host:port" and re-enters SendDatagram.
func (b *Backend) BindDatagram(ctx context.Context, port int) (*socket.DatagramSocket, error) {
	b.mu.Lock()
	if port == 0 {
		p, err := b.allocEphemeralDatagram()
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		port = p
	} else if _, used := b.datagrams[port]; used {
		b.mu.Unlock()
		return nil, kerrors.Newf(kerrors.EAddrInUse, "udp port %d already in use", port).
			WithField("port", port)
	}
	b.mu.Unlock()

	ds := socket.NewDatagramSocket(port, func(address string, data []byte) error {
		host, p, err := splitHostPort(address)
		if err != nil {
			return err
		}
		return b.SendDatagram(context.Background(), host, p, data)
	}, func() {
		b.mu.Lock()
		delete(b.datagrams, port)
		b.mu.Unlock()
	})

	b.mu.Lock()
	b.datagrams[port] = ds
	b.mu.Unlock()
	return ds, nil
}

func (b *Backend) allocEphemeralDatagram() (int, error) {
	for p := constants.EphemeralPortLow; p <= constants.EphemeralPortHigh; p++ {
		if _, used := b.datagrams[p]; !used {
			return p, nil
		}
	}
	return 0, kerrors.New(kerrors.EAddrInUse, "no ephemeral udp ports available")
}

// SendDatagram delivers data to a bound socket on port, or silently drops
// it if nothing is bound there.
func (b *Backend) SendDatagram(ctx context.Context, host string, port int, data []byte) error {
	b.mu.Lock()
	ds, ok := b.datagrams[port]
	b.mu.Unlock()
	if !ok {
		return nil // silent drop
	}
	ds.Deliver(host, data)
	return nil
}

// Resolve always yields ["127.0.0.1"], the loopback convention.
func (b *Backend) Resolve(ctx context.Context, name, recordType string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

// Close closes everything and deregisters every listener and datagram
// socket.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listeners := make([]*socket.Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	datagrams := make([]*socket.DatagramSocket, 0, len(b.datagrams))
	for _, d := range b.datagrams {
		datagrams = append(datagrams, d)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, d := range datagrams {
		_ = d.Close()
	}
	return nil
}

// splitHostPort parses a "host:port" datagram destination via the
// standard library, so bracketed IPv6 literals (e.g. "[::1]:53") are
// handled the same way the rest of the Go ecosystem expects.
func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, kerrors.Newf(kerrors.ENoRoute, "invalid datagram address %q", address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, kerrors.Newf(kerrors.ENoRoute, "invalid port in datagram address %q", address)
	}
	return host, port, nil
}
