// Package fsbackend implements an in-memory virtual filesystem Backend
// for fs://tenant/path addresses. This supplements the specification's
// capability/backend dispatch table, which names an "fs" capability and
// scheme but does not otherwise define a filesystem backend (see
// SPEC_FULL.md §3.4); it deliberately does not touch the host filesystem,
// per the Non-goal against host OS integration.
package fsbackend

import (
	"context"
	"sync"

	"github.com/joeycumines/go-microkernel/internal/backend"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/socket"
	"github.com/joeycumines/go-microkernel/internal/stream"
)

// Backend is the in-memory virtual filesystem Backend. Connect opens a
// byte-stream view of a virtual file keyed by host+path: writes append,
// reads replay from the start of the file as it stood when Connect was
// called.
type Backend struct {
	mu            sync.Mutex
	files         map[string][]byte
	owners        map[string]string // path -> owning tenant id
	closed        bool
	highWaterMark int
}

// Option configures a Backend.
type Option func(*Backend)

// WithHighWaterMark overrides the stream high-water mark for file views.
func WithHighWaterMark(n int) Option { return func(b *Backend) { b.highWaterMark = n } }

// New constructs an empty virtual filesystem.
func New(opts ...Option) *Backend {
	b := &Backend{files: make(map[string][]byte), owners: make(map[string]string), highWaterMark: 1024}
	for _, o := range opts {
		o(b)
	}
	return b
}

func pathKey(host string) string { return host }

// BindOwner records which tenant id owns a given path, so Resolve can
// report it. Not part of the Backend interface, and Connect does not
// call it: a path has an owner only once BindOwner has been called for it.
func (b *Backend) BindOwner(path, tenantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.owners[path]; !ok {
		b.owners[path] = tenantID
	}
}

// Connect opens a ByteStream view of the virtual file at host (treated as
// the path), wrapped in a StreamSocket whose Outbound appends to the
// file and whose Inbound replays the file's contents as of this call.
func (b *Backend) Connect(ctx context.Context, host string, port int) (*socket.StreamSocket, error) {
	key := pathKey(host)
	b.mu.Lock()
	snapshot := append([]byte(nil), b.files[key]...)
	b.mu.Unlock()

	reader, writer := stream.CreatePipe(b.highWaterMark)
	if len(snapshot) > 0 {
		_ = writer.Write(snapshot)
	}

	appendWriter := &appendingWriter{backend: b, key: key, ByteStream: writer}
	return &socket.StreamSocket{Inbound: reader, Outbound: appendWriter}, nil
}

// appendingWriter mirrors every Write into the backend's durable file
// content, in addition to feeding the paired reader.
type appendingWriter struct {
	stream.ByteStream
	backend *Backend
	key     string
}

func (w *appendingWriter) Write(chunk []byte) error {
	w.backend.mu.Lock()
	w.backend.files[w.key] = append(w.backend.files[w.key], chunk...)
	w.backend.mu.Unlock()
	return w.ByteStream.Write(chunk)
}

// Listen is not meaningful for a filesystem address.
func (b *Backend) Listen(ctx context.Context, port int) (*socket.Listener, error) {
	return nil, kerrors.New(kerrors.ENoRoute, "fs backend does not support listen")
}

// SendDatagram is not meaningful for a filesystem address.
func (b *Backend) SendDatagram(ctx context.Context, host string, port int, data []byte) error {
	return kerrors.New(kerrors.ENoRoute, "fs backend does not support datagrams")
}

// BindDatagram is not meaningful for a filesystem address.
func (b *Backend) BindDatagram(ctx context.Context, port int) (*socket.DatagramSocket, error) {
	return nil, kerrors.New(kerrors.ENoRoute, "fs backend does not support datagrams")
}

// Resolve returns the owning tenant id for path, if bound, else an empty
// slice.
func (b *Backend) Resolve(ctx context.Context, name, recordType string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.owners[name]; ok {
		return []string{owner}, nil
	}
	return nil, nil
}

// Close marks the backend closed; its in-memory contents are discarded.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.files = nil
	b.owners = nil
	return nil
}

var _ backend.Backend = (*Backend)(nil)
