// Package logger implements the kernel's ring-buffered log stream, with a
// Level enum modeled on github.com/joeycumines/logiface's syslog-derived
// levels, and forModule namespacing that is a transparent alias for
// passing module explicitly (logiface documents the same contract for its
// child loggers).
package logger

import (
	"sync"

	"github.com/joeycumines/go-microkernel/internal/ringbuf"
	"github.com/joeycumines/go-microkernel/internal/tracer"
)

// Level mirrors logiface's syslog-derived level ordering, trimmed to the
// subset this kernel's Logger actually emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a single log record.
type Entry struct {
	Level     Level
	Module    string
	Message   string
	Data      map[string]any
	Timestamp int64
}

// consumer mirrors tracer's per-subscriber waiter, filtered by module
// prefix and minimum level.
type consumer struct {
	mu       sync.Mutex
	pending  []Entry
	woken    chan struct{}
	closed   bool
	modPfx   string
	minLevel Level
}

func (c *consumer) matches(e Entry) bool {
	if e.Level < c.minLevel {
		return false
	}
	if c.modPfx == "" {
		return true
	}
	return len(e.Module) >= len(c.modPfx) && e.Module[:len(c.modPfx)] == c.modPfx
}

func (c *consumer) deliver(e Entry) {
	if !c.matches(e) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = append(c.pending, e)
	select {
	case c.woken <- struct{}{}:
	default:
	}
}

// Logger is a ring-buffered log stream, optionally mirrored into a
// Tracer as {type:"log", ...} events.
type Logger struct {
	mu      *sync.Mutex
	buf     *ringbuf.Buffer[Entry]
	clockFn func() int64
	mirror  *tracer.Tracer
	subs    map[*consumer]struct{}
	module  string
}

// Option configures a Logger.
type Option func(*config)

type config struct {
	capacity int
	clockFn  func() int64
	mirror   *tracer.Tracer
}

// WithCapacity overrides the ring buffer capacity.
func WithCapacity(n int) Option { return func(c *config) { c.capacity = n } }

// WithClock overrides the timestamp source.
func WithClock(fn func() int64) Option { return func(c *config) { c.clockFn = fn } }

// WithMirror mirrors every emitted entry into t as a {type:"log", ...}
// event.
func WithMirror(t *tracer.Tracer) Option { return func(c *config) { c.mirror = t } }

// New constructs a root Logger.
func New(opts ...Option) *Logger {
	cfg := config{capacity: 1024}
	for _, o := range opts {
		o(&cfg)
	}
	l := &Logger{
		mu:     new(sync.Mutex),
		buf:    ringbuf.New[Entry](cfg.capacity),
		mirror: cfg.mirror,
		subs:   make(map[*consumer]struct{}),
	}
	if cfg.clockFn != nil {
		l.clockFn = cfg.clockFn
	} else {
		var n int64
		l.clockFn = func() int64 { n++; return n }
	}
	return l
}

// ForModule returns a namespaced view of l. It is a transparent alias:
// l.ForModule("x").Info("m") produces exactly the same entry as
// l.Log(LevelInfo, "x", "m", nil).
func (l *Logger) ForModule(module string) *Logger {
	return &Logger{
		mu: l.mu, buf: l.buf, clockFn: l.clockFn, mirror: l.mirror, subs: l.subs,
		module: module,
	}
}

func (l *Logger) Debug(msg string, data map[string]any) { l.Log(LevelDebug, l.module, msg, data) }
func (l *Logger) Info(msg string, data map[string]any)  { l.Log(LevelInfo, l.module, msg, data) }
func (l *Logger) Warn(msg string, data map[string]any)  { l.Log(LevelWarn, l.module, msg, data) }
func (l *Logger) Error(msg string, data map[string]any) { l.Log(LevelError, l.module, msg, data) }

// Log records an entry directly, bypassing the ForModule namespace. This
// is the canonical emission path every level-named convenience method
// above funnels into.
func (l *Logger) Log(level Level, module, msg string, data map[string]any) Entry {
	l.mu.Lock()
	e := Entry{Level: level, Module: module, Message: msg, Data: data, Timestamp: l.clockFn()}
	l.buf.Push(e)
	subs := make([]*consumer, 0, len(l.subs))
	for c := range l.subs {
		subs = append(subs, c)
	}
	mirror := l.mirror
	l.mu.Unlock()

	for _, c := range subs {
		c.deliver(e)
	}
	if mirror != nil {
		mirror.Emit("log", map[string]any{
			"level": level.String(), "module": module, "message": msg, "data": data,
		})
	}
	return e
}

// Snapshot returns a copy of the buffered entries, optionally filtered by
// module prefix and minimum level. Pass "" and LevelDebug for no
// filtering.
func (l *Logger) Snapshot(modulePrefix string, minLevel Level) []Entry {
	l.mu.Lock()
	all := l.buf.Snapshot()
	l.mu.Unlock()

	if modulePrefix == "" && minLevel == LevelDebug {
		return all
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Level < minLevel {
			continue
		}
		if modulePrefix != "" && (len(e.Module) < len(modulePrefix) || e.Module[:len(modulePrefix)] != modulePrefix) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stream is a filtered, forward-only view of newly emitted entries.
type Stream struct {
	logger *Logger
	c      *consumer
}

// Entries returns a new consumer stream filtered by module prefix and
// minimum level, yielding only entries logged after this call.
func (l *Logger) Entries(modulePrefix string, minLevel Level) *Stream {
	c := &consumer{woken: make(chan struct{}, 1), modPfx: modulePrefix, minLevel: minLevel}
	l.mu.Lock()
	l.subs[c] = struct{}{}
	l.mu.Unlock()
	return &Stream{logger: l, c: c}
}

// Next returns the next matching entry, blocking until one is available
// or the stream is closed.
func (s *Stream) Next() (Entry, bool) {
	for {
		s.c.mu.Lock()
		if len(s.c.pending) > 0 {
			e := s.c.pending[0]
			s.c.pending = s.c.pending[1:]
			s.c.mu.Unlock()
			return e, true
		}
		closed := s.c.closed
		s.c.mu.Unlock()
		if closed {
			return Entry{}, false
		}
		<-s.c.woken
	}
}

// Close unsubscribes this stream.
func (s *Stream) Close() {
	s.c.mu.Lock()
	s.c.closed = true
	s.c.mu.Unlock()
	select {
	case s.c.woken <- struct{}{}:
	default:
	}
	s.logger.mu.Lock()
	delete(s.logger.subs, s.c)
	s.logger.mu.Unlock()
}
