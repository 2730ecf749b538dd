// Package opqueue implements a bounded, FIFO deferred-execution queue,
// used by the GatewayBackend to buffer operations while its transport is
// not yet authenticated. Entries resolve via a result channel in the
// style of microbatch.Batcher's jobCh/batchCh ping-pong: each Entry owns
// a one-shot channel that Drain (or Clear) fulfils exactly once.
package opqueue

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
)

// Result is what an Entry settles to.
type Result struct {
	Value any
	Err   error
}

// Entry is one deferred operation.
type Entry struct {
	Operation any
	result    chan Result
	once      sync.Once
}

func newEntry(op any) *Entry {
	return &Entry{Operation: op, result: make(chan Result, 1)}
}

// settle fulfils the entry exactly once; subsequent calls are no-ops.
func (e *Entry) settle(r Result) {
	e.once.Do(func() { e.result <- r })
}

// Wait blocks until the entry settles or ctx is done.
func (e *Entry) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-e.result:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue is a bounded FIFO of deferred operations.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	max     int
}

// New constructs a Queue with the given maximum capacity.
func New(max int) *Queue {
	if max <= 0 {
		max = 256
	}
	return &Queue{max: max}
}

// Enqueue appends op to the queue, returning an Entry whose Wait resolves
// once Drain (or Clear) processes it. Fails EQUEUEFULL at capacity.
func (q *Queue) Enqueue(op any) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.max {
		return nil, kerrors.New(kerrors.EQueueFull, "operation queue full")
	}
	e := newEntry(op)
	q.entries = append(q.entries, e)
	return e, nil
}

// ExecuteFunc runs one operation, returning its resolved value or an
// error.
type ExecuteFunc func(ctx context.Context, op any) (any, error)

// Drain atomically empties the queue and, in FIFO order, races each
// entry's execution against drainTimeout, resolving or rejecting it.
func (q *Queue) Drain(ctx context.Context, drainTimeout time.Duration, execute ExecuteFunc) {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range entries {
		runCtx := ctx
		var cancel context.CancelFunc
		if drainTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, drainTimeout)
		}
		done := make(chan Result, 1)
		go func() {
			val, err := execute(runCtx, e.Operation)
			done <- Result{Value: val, Err: err}
		}()
		var r Result
		select {
		case r = <-done:
		case <-runCtx.Done():
		}
		if r.Err == nil && runCtx.Err() != nil {
			r = Result{Err: runCtx.Err()}
		}
		if cancel != nil {
			cancel()
		}
		e.settle(r)
	}
}

// Clear rejects all pending entries with "queue cleared" and empties the
// queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range entries {
		e.settle(Result{Err: kerrors.New(kerrors.EClosed, "queue cleared")})
	}
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
