// Package backend defines the Backend contract every scheme handler
// implements: connect, listen, sendDatagram, bindDatagram, and resolve.
package backend

import (
	"context"

	"github.com/joeycumines/go-microkernel/internal/socket"
)

// Backend is the five-operation contract a URL scheme handler
// implements.
type Backend interface {
	// Connect opens a StreamSocket to host:port.
	Connect(ctx context.Context, host string, port int) (*socket.StreamSocket, error)
	// Listen binds a Listener on port (0 for an ephemeral port).
	Listen(ctx context.Context, port int) (*socket.Listener, error)
	// SendDatagram transmits data to host:port.
	SendDatagram(ctx context.Context, host string, port int, data []byte) error
	// BindDatagram allocates a DatagramSocket bound to port (0 for
	// ephemeral).
	BindDatagram(ctx context.Context, port int) (*socket.DatagramSocket, error)
	// Resolve returns the addresses backing name, or an empty slice if
	// this backend cannot resolve it.
	Resolve(ctx context.Context, name, recordType string) ([]string, error)
	// Close tears down every resource owned by this backend. Idempotent.
	Close() error
}
