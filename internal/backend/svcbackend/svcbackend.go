// Package svcbackend implements the svc:// Backend: connect(name) looks
// up a service in the ServiceRegistry and pairs a socket with whichever
// acceptance interface the entry exposes.
package svcbackend

import (
	"context"

	"github.com/joeycumines/go-microkernel/internal/backend"
	"github.com/joeycumines/go-microkernel/internal/constants"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/registry"
	"github.com/joeycumines/go-microkernel/internal/socket"
)

// HandleConnection is the preferred acceptance interface: the listener
// value itself accepts the server-side socket directly.
type HandleConnection interface {
	HandleConnection(sock *socket.StreamSocket)
}

// Enqueuer is the fallback acceptance interface: the listener value
// exposes an accept-queue, as a LoopbackBackend listener would.
type Enqueuer interface {
	Enqueue(sock *socket.StreamSocket)
}

// Backend is the svc:// Backend.
type Backend struct {
	registry      *registry.Registry
	highWaterMark int
}

// Option configures a Backend.
type Option func(*Backend)

// WithHighWaterMark overrides the stream high-water mark for accepted
// connections.
func WithHighWaterMark(n int) Option { return func(b *Backend) { b.highWaterMark = n } }

// New constructs a Backend backed by reg.
func New(reg *registry.Registry, opts ...Option) *Backend {
	b := &Backend{registry: reg, highWaterMark: constants.DefaultHighWaterMark}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Connect looks up name in the ServiceRegistry. If the entry's Listener
// implements HandleConnection, that is preferred; otherwise Enqueuer is
// tried. Missing service or an entry supporting neither interface fails
// ECONNREFUSED.
func (b *Backend) Connect(ctx context.Context, name string, port int) (*socket.StreamSocket, error) {
	entry, err := b.registry.Lookup(name)
	if err != nil {
		return nil, kerrors.Newf(kerrors.EConnRefused, "service %q not available", name).
			WithField("address", name)
	}

	clientSide, serverSide := socket.NewPair(b.highWaterMark)

	switch l := entry.Listener.(type) {
	case HandleConnection:
		l.HandleConnection(serverSide)
	case Enqueuer:
		l.Enqueue(serverSide)
	default:
		return nil, kerrors.Newf(kerrors.EConnRefused, "service %q exposes no accept interface", name).
			WithField("address", name)
	}
	return clientSide, nil
}

// Listen is not supported: services register themselves via the
// ServiceRegistry, not via this backend.
func (b *Backend) Listen(ctx context.Context, port int) (*socket.Listener, error) {
	return nil, kerrors.New(kerrors.ENoRoute, "svc backend does not support listen")
}

// SendDatagram is not supported by the service backend.
func (b *Backend) SendDatagram(ctx context.Context, host string, port int, data []byte) error {
	return kerrors.New(kerrors.ENoRoute, "svc backend does not support datagrams")
}

// BindDatagram is not supported by the service backend.
func (b *Backend) BindDatagram(ctx context.Context, port int) (*socket.DatagramSocket, error) {
	return nil, kerrors.New(kerrors.ENoRoute, "svc backend does not support datagrams")
}

// Resolve returns nil: service names are not DNS-style resolvable.
func (b *Backend) Resolve(ctx context.Context, name, recordType string) ([]string, error) {
	return nil, nil
}

// Close is a no-op: the backing ServiceRegistry is owned by the kernel,
// not this backend.
func (b *Backend) Close() error { return nil }

var _ backend.Backend = (*Backend)(nil)
