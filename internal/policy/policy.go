// Package policy implements the PolicyEngine: scope-to-capability tags
// with an optional authoritative callback.
package policy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-microkernel/internal/caps"
	"github.com/joeycumines/go-microkernel/internal/constants"
)

// CheckRequest is the context passed to a scope's policy callback.
type CheckRequest struct {
	Capability constants.Capability
	Address    string
}

// Decision is the callback's authoritative verdict.
type Decision int

const (
	Deny Decision = iota
	Allow
)

// CheckFunc is an optional per-scope authorization callback.
type CheckFunc func(req CheckRequest) Decision

type scope struct {
	capabilities caps.Set
	check        CheckFunc
}

// Engine is the scope registry and capability checker.
type Engine struct {
	mu     sync.Mutex
	scopes map[string]scope
	nextID uint64
}

// New constructs an empty Engine.
func New() *Engine {
	return &Engine{scopes: make(map[string]scope)}
}

// ScopeOptions configures CreateScope.
type ScopeOptions struct {
	Capabilities caps.Set
	Policy       CheckFunc
}

// CreateScope registers a new scope and returns its id.
func (e *Engine) CreateScope(opts ScopeOptions) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := atomic.AddUint64(&e.nextID, 1)
	scopeID := fmt.Sprintf("scope_%d", id)
	e.scopes[scopeID] = scope{capabilities: opts.Capabilities, check: opts.Policy}
	return scopeID
}

// Check evaluates req against scopeID:
//  1. Unknown scope => deny.
//  2. If a callback is set, its return value is authoritative.
//  3. Else: CapAll in capabilities => allow; exact match => allow; else deny.
func (e *Engine) Check(scopeID string, req CheckRequest) bool {
	e.mu.Lock()
	s, ok := e.scopes[scopeID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if s.check != nil {
		return s.check(req) == Allow
	}
	return s.capabilities.Has(req.Capability)
}
