// Package stream implements the AsyncBuffer + ByteStream protocol: a FIFO
// of byte chunks with a FIFO of single-shot pull waiters, high-water-mark
// back-pressure, and pipe/devNull/compose helpers.
//
// AsyncBuffer is modeled directly on
// inprocgrpc/internal/stream.HalfStream's buffer+single-waiter pattern
// (buffer OR waiter, never both, and a one-shot callback delivered
// straight through on Send when a Recv is already parked), extended with
// the high-water-mark back-pressure the specification requires.
package stream

import (
	"context"
	"sync"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
)

// ByteStream is any object supporting ordered byte-chunk Read/Write/Close,
// with EOF signaled by Read returning (nil, nil).
type ByteStream interface {
	// Read returns the next chunk, or (nil, nil) at EOF. Blocks until data
	// is available, EOF, or ctx is done.
	Read(ctx context.Context) ([]byte, error)
	// Write pushes a chunk. Never blocks: it either succeeds or fails
	// back-pressure/closure immediately.
	Write(chunk []byte) error
	// Close is idempotent.
	Close() error
	// Closed reports whether this end has been closed.
	Closed() bool
}

type pullResult struct {
	chunk []byte
	eof   bool
}

type waiter struct {
	ch        chan pullResult
	cancelled bool
}

// buffer is the shared FIFO backing a pipe's two ends. It is not exported:
// callers interact with it via the reader/writer views returned by
// CreatePipe.
type buffer struct {
	mu          sync.Mutex
	queue       [][]byte
	waiters     []*waiter
	writeClosed bool
	readClosed  bool
	hwm         int
}

func newBuffer(hwm int) *buffer {
	if hwm <= 0 {
		hwm = 1024
	}
	return &buffer{hwm: hwm}
}

// push delivers chunk to the oldest live waiter if one exists, otherwise
// enqueues it. Crossing the high-water mark closes the write side (hard
// close; see the specification's Open Questions on back-pressure).
func (b *buffer) push(chunk []byte) error {
	b.mu.Lock()
	if b.writeClosed {
		b.mu.Unlock()
		return kerrors.New(kerrors.EStreamClosed, "write to closed stream")
	}
	for len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		if w.cancelled {
			continue
		}
		b.mu.Unlock()
		w.ch <- pullResult{chunk: chunk}
		return nil
	}
	b.queue = append(b.queue, chunk)
	if len(b.queue) >= b.hwm {
		b.writeClosed = true
	}
	b.mu.Unlock()
	return nil
}

func (b *buffer) closeWrite() {
	b.mu.Lock()
	if b.writeClosed {
		b.mu.Unlock()
		return
	}
	b.writeClosed = true
	ws := b.waiters
	b.waiters = nil
	b.mu.Unlock()
	for _, w := range ws {
		if !w.cancelled {
			w.ch <- pullResult{eof: true}
		}
	}
}

func (b *buffer) closeRead() {
	b.mu.Lock()
	if b.readClosed {
		b.mu.Unlock()
		return
	}
	b.readClosed = true
	b.queue = nil
	ws := b.waiters
	b.waiters = nil
	b.mu.Unlock()
	for _, w := range ws {
		if !w.cancelled {
			w.ch <- pullResult{eof: true}
		}
	}
}

func (b *buffer) pull(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	if len(b.queue) > 0 {
		chunk := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return chunk, nil
	}
	if b.readClosed || b.writeClosed {
		b.mu.Unlock()
		return nil, nil
	}
	w := &waiter{ch: make(chan pullResult, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case r := <-w.ch:
		if r.eof {
			return nil, nil
		}
		return r.chunk, nil
	case <-ctx.Done():
		b.mu.Lock()
		w.cancelled = true
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// reader is the read-only view of a pipe end.
type reader struct{ b *buffer }

func (r *reader) Read(ctx context.Context) ([]byte, error) { return r.b.pull(ctx) }
func (r *reader) Write([]byte) error {
	return kerrors.New(kerrors.EStreamClosed, "write on read-only stream end")
}
func (r *reader) Close() error  { r.b.closeRead(); return nil }
func (r *reader) Closed() bool  { r.b.mu.Lock(); defer r.b.mu.Unlock(); return r.b.readClosed }

// writer is the write-only view of a pipe end.
type writer struct{ b *buffer }

func (w *writer) Read(context.Context) ([]byte, error) {
	return nil, kerrors.New(kerrors.EStreamClosed, "read on write-only stream end")
}
func (w *writer) Write(chunk []byte) error { return w.b.push(chunk) }
func (w *writer) Close() error             { w.b.closeWrite(); return nil }
func (w *writer) Closed() bool             { w.b.mu.Lock(); defer w.b.mu.Unlock(); return w.b.writeClosed }

var (
	_ ByteStream = (*reader)(nil)
	_ ByteStream = (*writer)(nil)
)

// CreatePipe returns a (reader, writer) pair backed by a single AsyncBuffer
// with the given high-water mark.
func CreatePipe(highWaterMark int) (ByteStream, ByteStream) {
	b := newBuffer(highWaterMark)
	return &reader{b: b}, &writer{b: b}
}

// devNull is a ByteStream that yields EOF on read and silently discards
// writes.
type devNull struct{ closed bool }

func (d *devNull) Read(context.Context) ([]byte, error) { return nil, nil }
func (d *devNull) Write([]byte) error                    { return nil }
func (d *devNull) Close() error                          { d.closed = true; return nil }
func (d *devNull) Closed() bool                          { return d.closed }

// DevNull returns a fresh ByteStream that discards all writes and reads as
// EOF immediately.
func DevNull() ByteStream { return &devNull{} }

// Pipe reads from src until EOF, writing each chunk to dst. On any
// transport error, both endpoints are closed before the error is
// returned.
func Pipe(ctx context.Context, src, dst ByteStream) error {
	for {
		chunk, err := src.Read(ctx)
		if err != nil {
			_ = src.Close()
			_ = dst.Close()
			return err
		}
		if chunk == nil {
			return nil
		}
		if err := dst.Write(chunk); err != nil {
			_ = src.Close()
			_ = dst.Close()
			return err
		}
	}
}

// Transform converts a chunk on the read path.
type Transform interface {
	Transform(chunk []byte) ([]byte, error)
}

// Untransformer is the optional write-path inverse of a Transform. If a
// Transform does not implement Untransformer, Transform itself is reused
// for the write path (an identity-shaped transform that happens to work
// both ways).
type Untransformer interface {
	Untransform(chunk []byte) ([]byte, error)
}

func untransform(t Transform, chunk []byte) ([]byte, error) {
	if u, ok := t.(Untransformer); ok {
		return u.Untransform(chunk)
	}
	return t.Transform(chunk)
}

// composed applies a list of Transforms in order on Read, and in reverse
// order (via Untransform, or Transform if no Untransformer is provided)
// on Write.
type composed struct {
	inner      ByteStream
	transforms []Transform
}

// Compose returns a new ByteStream that applies transforms in order on
// read and in reverse order on write.
func Compose(s ByteStream, transforms ...Transform) ByteStream {
	return &composed{inner: s, transforms: transforms}
}

func (c *composed) Read(ctx context.Context) ([]byte, error) {
	chunk, err := c.inner.Read(ctx)
	if err != nil || chunk == nil {
		return chunk, err
	}
	for _, t := range c.transforms {
		chunk, err = t.Transform(chunk)
		if err != nil {
			return nil, err
		}
	}
	return chunk, nil
}

func (c *composed) Write(chunk []byte) error {
	var err error
	for i := len(c.transforms) - 1; i >= 0; i-- {
		chunk, err = untransform(c.transforms[i], chunk)
		if err != nil {
			return err
		}
	}
	return c.inner.Write(chunk)
}

func (c *composed) Close() error { return c.inner.Close() }
func (c *composed) Closed() bool { return c.inner.Closed() }

var _ ByteStream = (*composed)(nil)
