// Package sig implements the kernel's SignalController: named signals
// (TERM, INT, HUP, ...) with per-name listener lists and a lazily-created
// cancellation token per signal, plus a composite shutdown signal aborted
// by either TERM or INT.
package sig

import (
	"context"
	"sync"
)

// Listener is invoked when its signal fires.
type Listener func(name string)

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

type signalState struct {
	fired  bool
	ctx    context.Context
	cancel context.CancelFunc
}

// Controller is a named-signal hub. The zero value is not usable; use New.
type Controller struct {
	mu        sync.Mutex
	signals   map[string]*signalState
	listeners map[string][]Listener
	nextID    uint64

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shutdownSubs   []Unsubscribe
}

// New constructs a Controller. The composite shutdown signal is wired to
// fire on either TERM or INT.
func New() *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		signals:     make(map[string]*signalState),
		listeners:   make(map[string][]Listener),
		shutdownCtx: ctx, shutdownCancel: cancel,
	}
	return c
}

func (c *Controller) stateLocked(name string) *signalState {
	s, ok := c.signals[name]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &signalState{ctx: ctx, cancel: cancel}
		c.signals[name] = s
	}
	return s
}

// Signal fires the named signal: it invokes every registered listener (in
// registration order) and aborts the signal's AbortSignal-equivalent
// context. If name is TERM or INT, the composite ShutdownSignal context is
// also aborted.
func (c *Controller) Signal(name string) {
	c.mu.Lock()
	s := c.stateLocked(name)
	s.fired = true
	s.cancel()
	listeners := append([]Listener(nil), c.listeners[name]...)
	isShutdown := name == "TERM" || name == "INT"
	c.mu.Unlock()

	for _, l := range listeners {
		l(name)
	}
	if isShutdown {
		c.shutdownCancel()
	}
}

// HasFired reports whether the named signal has fired since the last
// Reset.
func (c *Controller) HasFired(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.signals[name]
	return ok && s.fired
}

// Reset clears the fired state of name and discards its AbortSignal
// context, so a fresh one is returned by the next AbortSignal call.
func (c *Controller) Reset(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.signals, name)
}

// AbortSignal returns the revocable cancellation context for name,
// creating it lazily on first use.
func (c *Controller) AbortSignal(name string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(name).ctx
}

// ShutdownSignal returns the composite context aborted by either TERM or
// INT.
func (c *Controller) ShutdownSignal() context.Context {
	return c.shutdownCtx
}

// On registers a listener for the named signal, returning an Unsubscribe
// function.
func (c *Controller) On(name string, l Listener) Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[name] = append(c.listeners[name], l)
	idx := len(c.listeners[name]) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ls := c.listeners[name]
		if idx < len(ls) {
			// mark removed without disturbing other indices mid-dispatch
			ls[idx] = func(string) {}
		}
		_ = id
	}
}
