// Package caps implements the frozen capability set object and the
// requireCap gate.
package caps

import (
	"github.com/joeycumines/go-microkernel/internal/constants"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
)

// Set is an immutable set of granted capability tags.
type Set struct {
	granted map[constants.Capability]struct{}
}

// NewSet constructs an immutable Set from the given tags.
func NewSet(tags ...constants.Capability) Set {
	m := make(map[constants.Capability]struct{}, len(tags))
	for _, t := range tags {
		m[t] = struct{}{}
	}
	return Set{granted: m}
}

// Has reports whether tag is granted directly, or constants.CapAll is
// granted.
func (s Set) Has(tag constants.Capability) bool {
	if _, ok := s.granted[constants.CapAll]; ok {
		return true
	}
	_, ok := s.granted[tag]
	return ok
}

// Tags returns every explicitly granted tag (not including the implicit
// expansion of CapAll).
func (s Set) Tags() []constants.Capability {
	out := make([]constants.Capability, 0, len(s.granted))
	for t := range s.granted {
		out = append(out, t)
	}
	return out
}

// Caps is the read-only object buildCaps returns: non-object tags (net,
// fs, stdio, env, signal) appear as boolean markers on Granted; object
// tags map to subsystem references, supplied by the kernel.
type Caps struct {
	Granted  Set
	Clock    any
	RNG      any
	Services any
	Tracer   any
	Chaos    any
}

// Require fails with ECAPDENIED if tag is absent and CapAll is not
// granted.
func Require(c Caps, tag constants.Capability) error {
	if !c.Granted.Has(tag) {
		return kerrors.Newf(kerrors.ECapDenied, "capability %q not granted", tag).
			WithField("capability", tag)
	}
	return nil
}
