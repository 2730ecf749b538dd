// Package chaoswrap wraps any Backend with fault injection: connect
// partitioning/dropping/latency, and datagram dropping/latency.
// listen/bindDatagram/resolve/close delegate directly.
package chaoswrap

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-microkernel/internal/backend"
	"github.com/joeycumines/go-microkernel/internal/chaos"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/socket"
)

// Backend wraps an inner Backend with chaos-engine fault injection.
type Backend struct {
	inner   backend.Backend
	engine  *chaos.Engine
	scopeID string
}

// New wraps inner with engine's fault injection, optionally scoped to
// scopeID (empty uses the engine's global profile).
func New(inner backend.Backend, engine *chaos.Engine, scopeID string) *Backend {
	return &Backend{inner: inner, engine: engine, scopeID: scopeID}
}

// Connect is partitioned, then delayed, then drop-checked, then
// delegated.
func (b *Backend) Connect(ctx context.Context, host string, port int) (*socket.StreamSocket, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	if b.engine.IsPartitioned(addr, b.scopeID) {
		return nil, kerrors.Newf(kerrors.EConnRefused, "partitioned: %s", addr).WithField("address", addr)
	}
	b.engine.MaybeDelay(b.scopeID)
	if b.engine.ShouldDrop(b.scopeID) {
		return nil, kerrors.Newf(kerrors.EConnRefused, "chaos drop: %s", addr).WithField("address", addr)
	}
	return b.inner.Connect(ctx, host, port)
}

// SendDatagram is drop-checked, then delayed, then delegated.
func (b *Backend) SendDatagram(ctx context.Context, host string, port int, data []byte) error {
	if b.engine.ShouldDrop(b.scopeID) {
		return nil // silent drop
	}
	b.engine.MaybeDelay(b.scopeID)
	return b.inner.SendDatagram(ctx, host, port, data)
}

func (b *Backend) Listen(ctx context.Context, port int) (*socket.Listener, error) {
	return b.inner.Listen(ctx, port)
}

func (b *Backend) BindDatagram(ctx context.Context, port int) (*socket.DatagramSocket, error) {
	return b.inner.BindDatagram(ctx, port)
}

func (b *Backend) Resolve(ctx context.Context, name, recordType string) ([]string, error) {
	return b.inner.Resolve(ctx, name, recordType)
}

func (b *Backend) Close() error { return b.inner.Close() }

var _ backend.Backend = (*Backend)(nil)
