// Package grpcsvc adapts github.com/joeycumines/go-inprocgrpc's Channel
// into a svc:// service-registry entry, so a registered gRPC service can
// sit behind a svc:// address alongside the plain handle_connection/
// enqueue byte-stream services svcbackend already supports.
//
// inprocgrpc dispatches RPCs as direct in-process method calls rather
// than serialized bytes, so the handshake socket svcbackend.Connect
// hands to HandleConnection carries no RPC traffic for this adapter; the
// real traffic moves through Channel()'s grpc.ClientConnInterface. The
// socket exists only so svc:// addressing and capability checks apply
// uniformly whether the service behind the name speaks raw bytes or
// gRPC.
package grpcsvc

import (
	"context"

	eventloop "github.com/joeycumines/go-eventloop"
	inprocgrpc "github.com/joeycumines/go-inprocgrpc"
	"google.golang.org/grpc"

	"github.com/joeycumines/go-microkernel/internal/socket"
)

// loopAdapter satisfies inprocgrpc.Loop by wrapping an eventloop.Loop,
// whose Submit/SubmitInternal take an eventloop.Task rather than a bare
// func().
type loopAdapter struct{ loop *eventloop.Loop }

func (a loopAdapter) Submit(fn func()) error {
	return a.loop.Submit(eventloop.Task{Runnable: fn})
}

func (a loopAdapter) SubmitInternal(fn func()) error {
	return a.loop.SubmitInternal(eventloop.Task{Runnable: fn})
}

var _ inprocgrpc.Loop = loopAdapter{}

// Backend registers gRPC services against an in-process Channel, driven
// by a dedicated event loop goroutine.
type Backend struct {
	loop    *eventloop.Loop
	channel *inprocgrpc.Channel
	cancel  context.CancelFunc
}

// New starts a dedicated event loop and constructs the Channel it drives.
func New(opts ...inprocgrpc.Option) (*Backend, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()

	allOpts := append([]inprocgrpc.Option{inprocgrpc.WithLoop(loopAdapter{loop: loop})}, opts...)
	return &Backend{loop: loop, channel: inprocgrpc.NewChannel(allOpts...), cancel: cancel}, nil
}

// RegisterService registers desc/impl against the in-process channel,
// exactly as it would against a real grpc.Server.
func (b *Backend) RegisterService(desc *grpc.ServiceDesc, impl any) {
	b.channel.RegisterService(desc, impl)
}

// Channel returns the grpc.ClientConnInterface client stubs invoke RPCs
// through.
func (b *Backend) Channel() grpc.ClientConnInterface { return b.channel }

// HandleConnection satisfies svcbackend.HandleConnection; see the
// package doc for why it simply closes sock.
func (b *Backend) HandleConnection(sock *socket.StreamSocket) {
	_ = sock.Close()
}

// Close stops the backing event loop.
func (b *Backend) Close() error {
	b.cancel()
	return b.loop.Shutdown(context.Background())
}

var _ interface {
	HandleConnection(sock *socket.StreamSocket)
} = (*Backend)(nil)
