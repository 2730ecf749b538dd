// Package tracer implements the kernel's ring-buffered event stream.
// Vocabulary (Level naming conventions aside, which live in the sibling
// logger package) follows github.com/joeycumines/logiface's Logger/Writer
// split: a single shared core owns the ring buffer and fans out to
// independent per-consumer streams that only see future emissions.
package tracer

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joeycumines/go-microkernel/internal/ringbuf"
)

// Event is a single traced occurrence.
type Event struct {
	ID        int64
	Timestamp int64
	Type      string
	Payload   map[string]any
}

// Tracer is a ring-buffered, multi-consumer event stream. The zero value
// is not usable; use New.
type Tracer struct {
	mu      sync.Mutex
	buf     *ringbuf.Buffer[Event]
	nextID  int64
	clockFn func() int64
	subs    map[*consumer]struct{}
	otel    trace.Span
}

// Option configures a Tracer.
type Option func(*config)

type config struct {
	capacity int
	clockFn  func() int64
	otel     trace.Span
}

// WithCapacity overrides the default ring buffer capacity.
func WithCapacity(n int) Option {
	return func(c *config) { c.capacity = n }
}

// WithClock overrides the timestamp source (defaults to a monotonically
// increasing counter, which is sufficient for ordering in tests that do
// not care about wall-clock values).
func WithClock(fn func() int64) Option {
	return func(c *config) { c.clockFn = fn }
}

// WithOTelBridge mirrors every emitted event onto span as a span event,
// for hosts that already run OpenTelemetry and want kernel trace events
// to show up alongside their own spans without replacing the ring
// buffer. The ring buffer and per-consumer Stream API are unaffected;
// this is a pure side channel.
func WithOTelBridge(span trace.Span) Option {
	return func(c *config) { c.otel = span }
}

// New constructs a Tracer.
func New(opts ...Option) *Tracer {
	cfg := config{capacity: 1024}
	for _, o := range opts {
		o(&cfg)
	}
	t := &Tracer{
		buf:  ringbuf.New[Event](cfg.capacity),
		subs: make(map[*consumer]struct{}),
		otel: cfg.otel,
	}
	if cfg.clockFn != nil {
		t.clockFn = cfg.clockFn
	} else {
		// Emit calls clockFn with t.mu already held.
		t.clockFn = func() int64 { return t.nextID }
	}
	return t
}

// Emit records an event of the given type with the given payload,
// auto-stamping id and timestamp, and wakes every active consumer.
func (t *Tracer) Emit(typ string, payload map[string]any) Event {
	t.mu.Lock()
	t.nextID++
	ev := Event{ID: t.nextID, Timestamp: t.clockFn(), Type: typ, Payload: payload}
	t.buf.Push(ev)
	subs := make([]*consumer, 0, len(t.subs))
	for c := range t.subs {
		subs = append(subs, c)
	}
	otelSpan := t.otel
	t.mu.Unlock()

	for _, c := range subs {
		c.deliver(ev)
	}
	if otelSpan != nil {
		otelSpan.AddEvent(typ, trace.WithAttributes(payloadAttributes(payload)...))
	}
	return ev
}

// payloadAttributes converts an Event's free-form payload into OTel
// attributes, falling back to fmt.Sprint for value types attribute.Key
// has no direct constructor for.
func payloadAttributes(payload map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}

// Snapshot returns a copy of the currently buffered events, oldest first.
func (t *Tracer) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Snapshot()
}

// consumer is one independent subscriber's view of the event stream.
type consumer struct {
	mu      sync.Mutex
	pending []Event
	woken   chan struct{}
	closed  bool
}

func newConsumer() *consumer {
	return &consumer{woken: make(chan struct{}, 1)}
}

func (c *consumer) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = append(c.pending, ev)
	select {
	case c.woken <- struct{}{}:
	default:
	}
}

func (c *consumer) take() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return Event{}, false
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, true
}

// Stream is an independent, forward-only view of newly emitted events. It
// never replays events buffered before Events was called.
type Stream struct {
	tracer *Tracer
	c      *consumer
}

// Events returns a new, independent consumer stream that will yield only
// events emitted after this call.
func (t *Tracer) Events() *Stream {
	c := newConsumer()
	t.mu.Lock()
	t.subs[c] = struct{}{}
	t.mu.Unlock()
	return &Stream{tracer: t, c: c}
}

// Next blocks until the next event is available, ctx is done, or the
// stream is closed. ok is false if the stream was closed with no further
// events pending.
func (s *Stream) Next(ctx context.Context) (Event, bool, error) {
	for {
		if ev, ok := s.c.take(); ok {
			return ev, true, nil
		}
		s.c.mu.Lock()
		closed := s.c.closed
		s.c.mu.Unlock()
		if closed {
			return Event{}, false, nil
		}
		select {
		case <-s.c.woken:
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		}
	}
}

// Close stops this stream from receiving further events and unsubscribes
// it from the Tracer.
func (s *Stream) Close() {
	s.c.mu.Lock()
	s.c.closed = true
	s.c.mu.Unlock()
	select {
	case s.c.woken <- struct{}{}:
	default:
	}
	s.tracer.mu.Lock()
	delete(s.tracer.subs, s.c)
	s.tracer.mu.Unlock()
}
