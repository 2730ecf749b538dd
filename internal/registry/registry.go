// Package registry implements the kernel's ServiceRegistry: a named
// service table with lookup-miss hooks, serialized per entry name in the
// style of catrate.Limiter's sync.Map-plus-mutex combination (a sync.Map
// for the common lookup/register path, a small mutex-guarded slice for
// the rarely-mutated hook list).
package registry

import (
	"sync"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
)

// Entry is a registered service.
type Entry struct {
	Name     string
	Listener any // opaque accept-queue / handler value; interpreted by backends
	Metadata map[string]any
	Owner    string
}

// LookupMissHook is consulted, in registration order, when a lookup
// misses. The first hook that returns true wins.
type LookupMissHook func(name string) (Entry, bool)

// RegisterListener is invoked after a successful Register.
type RegisterListener func(e Entry)

// UnregisterListener is invoked after a successful Unregister.
type UnregisterListener func(e Entry)

// Registry is the named service table.
type Registry struct {
	entries sync.Map // string -> Entry

	mu           sync.Mutex
	hooks        []LookupMissHook
	onRegister   []RegisterListener
	onUnregister []UnregisterListener
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{}
}

// RegisterOptions configures a Register call.
type RegisterOptions struct {
	Metadata map[string]any
	Owner    string
}

// Register adds a named service entry. Fails EALREADY if name is already
// registered. Registration callbacks fire after the mutation; a panicking
// callback is swallowed.
func (r *Registry) Register(name string, listener any, opts RegisterOptions) error {
	e := Entry{Name: name, Listener: listener, Metadata: opts.Metadata, Owner: opts.Owner}
	if _, loaded := r.entries.LoadOrStore(name, e); loaded {
		return kerrors.Newf(kerrors.EAlready, "service %q already registered", name)
	}

	r.mu.Lock()
	cbs := append([]RegisterListener(nil), r.onRegister...)
	r.mu.Unlock()
	for _, cb := range cbs {
		safeCall(func() { cb(e) })
	}
	return nil
}

// Unregister removes name. Fails ENOTFOUND if it was not registered.
func (r *Registry) Unregister(name string) error {
	v, ok := r.entries.LoadAndDelete(name)
	if !ok {
		return kerrors.Newf(kerrors.ENotFound, "service %q not registered", name)
	}
	e := v.(Entry)

	r.mu.Lock()
	cbs := append([]UnregisterListener(nil), r.onUnregister...)
	r.mu.Unlock()
	for _, cb := range cbs {
		safeCall(func() { cb(e) })
	}
	return nil
}

// Lookup returns the entry for name. On a miss, registered lookup-miss
// hooks are consulted in order; the first non-(zero,false) result wins.
// Otherwise fails ENOTFOUND. Hook panics are swallowed and the next hook
// is tried.
func (r *Registry) Lookup(name string) (Entry, error) {
	if v, ok := r.entries.Load(name); ok {
		return v.(Entry), nil
	}

	r.mu.Lock()
	hooks := append([]LookupMissHook(nil), r.hooks...)
	r.mu.Unlock()

	for _, h := range hooks {
		if e, ok := tryHook(h, name); ok {
			return e, nil
		}
	}
	return Entry{}, kerrors.Newf(kerrors.ENotFound, "service %q not found", name)
}

func tryHook(h LookupMissHook, name string) (e Entry, ok bool) {
	defer func() {
		if recover() != nil {
			e, ok = Entry{}, false
		}
	}()
	return h(name)
}

func safeCall(f func()) {
	defer func() { recover() }()
	f()
}

// AddLookupMissHook registers a hook consulted on lookup miss.
func (r *Registry) AddLookupMissHook(h LookupMissHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// OnRegister registers a callback fired after every successful Register.
func (r *Registry) OnRegister(cb RegisterListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegister = append(r.onRegister, cb)
}

// OnUnregister registers a callback fired after every successful
// Unregister.
func (r *Registry) OnUnregister(cb UnregisterListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = append(r.onUnregister, cb)
}
