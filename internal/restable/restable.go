// Package restable implements the kernel's ResourceTable: a bounded,
// handle-keyed table mapping each handle to a (type tag, value, owner)
// entry. Handles are monotonic and never reused within a process
// lifetime.
package restable

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
)

// Handle is an opaque string of the form "res_N", keying one Table entry.
type Handle string

// Entry is the (type, value, owner) tuple a Handle maps to.
type Entry struct {
	Type  string
	Value any
	Owner string
}

// Table is a bounded handle table. The zero value is not usable; use New.
type Table struct {
	mu      sync.Mutex
	entries map[Handle]Entry
	next    uint64
	max     int
}

// New constructs a Table with the given maximum capacity.
func New(max int) *Table {
	if max <= 0 {
		panic("restable: max must be positive")
	}
	return &Table{entries: make(map[Handle]Entry), max: max}
}

// Allocate inserts a new entry and returns its freshly minted handle.
// Capacity is checked atomically with the insert (TOCTOU-safe): if the
// table is already at max size, it fails with ETABLEFULL and the table is
// left unchanged.
func (t *Table) Allocate(typ string, value any, owner string) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.max {
		return "", kerrors.New(kerrors.ETableFull, fmt.Sprintf("resource table full (max=%d)", t.max))
	}
	t.next++
	h := Handle(fmt.Sprintf("res_%d", t.next))
	t.entries[h] = Entry{Type: typ, Value: value, Owner: owner}
	return h, nil
}

// Get returns the entry for h, or ENOHANDLE if it does not exist.
func (t *Table) Get(h Handle) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return Entry{}, kerrors.New(kerrors.ENoHandle, string(h)).WithField("handle", h)
	}
	return e, nil
}

// GetTyped returns the value for h if its type tag matches typ, or
// EHANDLETYPE if it does not (ENOHANDLE if h does not exist at all).
func (t *Table) GetTyped(h Handle, typ string) (any, error) {
	e, err := t.Get(h)
	if err != nil {
		return nil, err
	}
	if e.Type != typ {
		return nil, kerrors.Newf(kerrors.EHandleType, "handle %s is %q, want %q", h, e.Type, typ).
			WithField("handle", h)
	}
	return e.Value, nil
}

// Transfer reassigns the owner of handle h.
func (t *Table) Transfer(h Handle, newOwner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return kerrors.New(kerrors.ENoHandle, string(h)).WithField("handle", h)
	}
	e.Owner = newOwner
	t.entries[h] = e
	return nil
}

// Drop removes h irrevocably and returns its value.
func (t *Table) Drop(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return nil, kerrors.New(kerrors.ENoHandle, string(h)).WithField("handle", h)
	}
	delete(t.entries, h)
	return e.Value, nil
}

// Has reports whether h currently exists in the table.
func (t *Table) Has(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[h]
	return ok
}

// ListByOwner returns every handle currently owned by owner.
func (t *Table) ListByOwner(owner string) []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Handle
	for h, e := range t.entries {
		if e.Owner == owner {
			out = append(out, h)
		}
	}
	return out
}

// ListByType returns every handle currently tagged with the given type.
func (t *Table) ListByType(typ string) []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Handle
	for h, e := range t.entries {
		if e.Type == typ {
			out = append(out, h)
		}
	}
	return out
}

// ListAll returns every handle currently present in the table.
func (t *Table) ListAll() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.entries))
	for h := range t.entries {
		out = append(out, h)
	}
	return out
}

// Clear removes every entry from the table. The monotonic handle counter
// is not reset, so future handles remain unique for the life of the
// process.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[Handle]Entry)
}

// Size returns the current number of entries.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
