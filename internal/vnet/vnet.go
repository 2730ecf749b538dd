// Package vnet implements the VirtualNetwork (a Router pre-seeded with a
// loopback backend, plus every backend registered against it) and the
// ScopedNetwork view that gates every operation through a PolicyEngine
// capability check before delegating.
package vnet

import (
	"context"
	"sync"

	"github.com/joeycumines/go-microkernel/internal/backend"
	"github.com/joeycumines/go-microkernel/internal/backend/loopback"
	"github.com/joeycumines/go-microkernel/internal/constants"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/policy"
	"github.com/joeycumines/go-microkernel/internal/router"
	"github.com/joeycumines/go-microkernel/internal/socket"
)

// VirtualNetwork is the unscoped network: a Router with every registered
// Backend. When built without options it is pre-seeded with a
// LoopbackBackend for the mem:// and loop:// schemes.
type VirtualNetwork struct {
	router *router.Router

	mu       sync.Mutex
	backends []backend.Backend
}

// Option configures a VirtualNetwork.
type Option func(*VirtualNetwork)

// WithLoopbackOptions passes opts through to the pre-seeded
// LoopbackBackend.
func WithLoopbackOptions(opts ...loopback.Option) Option {
	return func(vn *VirtualNetwork) {
		lb := loopback.New(opts...)
		vn.router.Register("mem", lb)
		vn.router.Register("loop", lb)
		vn.backends = append(vn.backends, lb)
	}
}

// WithBackend registers b for scheme as part of construction, counting
// toward the "seeded" flag that suppresses the default unwrapped
// loopback registration. Use this to wire non-loopback backends (a
// chaos-wrapped loopback, fsbackend, svcbackend, gateway, grpcsvc) into
// a VirtualNetwork's composition. Registering the same backend under a
// second scheme (e.g. a wrapped loopback under both mem and loop) does
// not add a second Resolve/Close entry for it.
func WithBackend(scheme string, b backend.Backend) Option {
	return func(vn *VirtualNetwork) {
		vn.router.Register(scheme, b)
		vn.backends = appendUnique(vn.backends, b)
	}
}

// appendUnique appends b unless it is already present by identity,
// so one backend instance registered under multiple schemes only
// participates once in Resolve fan-out and Close.
func appendUnique(backends []backend.Backend, b backend.Backend) []backend.Backend {
	for _, existing := range backends {
		if existing == b {
			return backends
		}
	}
	return append(backends, b)
}

// New constructs a VirtualNetwork. With no options, a default
// LoopbackBackend is registered for mem:// and loop://; when any option
// is given, that default is not registered and only the backends the
// options register are present.
func New(opts ...Option) *VirtualNetwork {
	vn := &VirtualNetwork{router: router.New()}
	seeded := false
	for _, o := range opts {
		o(vn)
		seeded = true
	}
	if !seeded {
		lb := loopback.New()
		vn.router.Register("mem", lb)
		vn.router.Register("loop", lb)
		vn.backends = append(vn.backends, lb)
	}
	return vn
}

// AddBackend registers b for scheme, making it available to Connect,
// Listen, SendDatagram, BindDatagram and Resolve fan-out.
func (vn *VirtualNetwork) AddBackend(scheme string, b backend.Backend) {
	vn.router.Register(scheme, b)
	vn.mu.Lock()
	vn.backends = appendUnique(vn.backends, b)
	vn.mu.Unlock()
}

func (vn *VirtualNetwork) resolveBackend(addr string) (backend.Backend, router.Address, error) {
	raw, parsed, err := vn.router.Resolve(addr)
	if err != nil {
		return nil, router.Address{}, err
	}
	b, ok := raw.(backend.Backend)
	if !ok {
		return nil, router.Address{}, kerrors.Newf(kerrors.ENoRoute, "scheme %q backend does not implement Backend", parsed.Scheme).
			WithField("scheme", parsed.Scheme)
	}
	return b, parsed, nil
}

// Connect dials addr ("scheme://host[:port]") via its registered backend.
func (vn *VirtualNetwork) Connect(ctx context.Context, addr string) (*socket.StreamSocket, error) {
	b, parsed, err := vn.resolveBackend(addr)
	if err != nil {
		return nil, err
	}
	return b.Connect(ctx, parsed.Host, parsed.Port)
}

// Listen binds addr via its registered backend.
func (vn *VirtualNetwork) Listen(ctx context.Context, addr string) (*socket.Listener, error) {
	b, parsed, err := vn.resolveBackend(addr)
	if err != nil {
		return nil, err
	}
	return b.Listen(ctx, parsed.Port)
}

// SendDatagram sends data to addr via its registered backend.
func (vn *VirtualNetwork) SendDatagram(ctx context.Context, addr string, data []byte) error {
	b, parsed, err := vn.resolveBackend(addr)
	if err != nil {
		return err
	}
	return b.SendDatagram(ctx, parsed.Host, parsed.Port, data)
}

// BindDatagram allocates a datagram socket on addr via its registered
// backend.
func (vn *VirtualNetwork) BindDatagram(ctx context.Context, addr string) (*socket.DatagramSocket, error) {
	b, parsed, err := vn.resolveBackend(addr)
	if err != nil {
		return nil, err
	}
	return b.BindDatagram(ctx, parsed.Port)
}

// Resolve fans name out across every registered backend, returning the
// first non-empty result. Backends that error or have nothing to say are
// skipped silently; resolution is best-effort across the whole network.
func (vn *VirtualNetwork) Resolve(ctx context.Context, name, recordType string) ([]string, error) {
	vn.mu.Lock()
	backends := append([]backend.Backend(nil), vn.backends...)
	vn.mu.Unlock()

	for _, b := range backends {
		addrs, err := b.Resolve(ctx, name, recordType)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
	}
	return nil, nil
}

// Close tears down every registered backend.
func (vn *VirtualNetwork) Close() error {
	vn.mu.Lock()
	backends := append([]backend.Backend(nil), vn.backends...)
	vn.mu.Unlock()

	var firstErr error
	for _, b := range backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ScopedNetwork is a capability-gated view of a VirtualNetwork: every
// operation first checks the owning scope's policy before delegating.
type ScopedNetwork struct {
	vn      *VirtualNetwork
	engine  *policy.Engine
	scopeID string
}

// NewScoped constructs a ScopedNetwork bound to scopeID within engine.
func NewScoped(vn *VirtualNetwork, engine *policy.Engine, scopeID string) *ScopedNetwork {
	return &ScopedNetwork{vn: vn, engine: engine, scopeID: scopeID}
}

// capabilityFor selects which capability tag governs op against scheme.
// mem:// and loop:// addresses always resolve to the loopback tag,
// regardless of operation; every other scheme maps by operation kind.
func capabilityFor(scheme, op string) constants.Capability {
	if scheme == "mem" || scheme == "loop" {
		return constants.CapLoopback
	}
	switch op {
	case "connect":
		return constants.CapTCPConnect
	case "listen":
		return constants.CapTCPListen
	case "send_datagram":
		return constants.CapUDPSend
	case "bind_datagram":
		return constants.CapUDPBind
	default:
		return constants.CapDNSResolve
	}
}

func (s *ScopedNetwork) authorize(addr, op string) error {
	parsed, err := router.ParseAddress(addr)
	if err != nil {
		return err
	}
	cap := capabilityFor(parsed.Scheme, op)
	if !s.engine.Check(s.scopeID, policy.CheckRequest{Capability: cap, Address: addr}) {
		return kerrors.Newf(kerrors.EPolicy, "policy denied %s for %q", op, addr).
			WithField("address", addr).
			WithField("capability", string(cap))
	}
	return nil
}

// Connect authorizes then delegates to the underlying VirtualNetwork.
func (s *ScopedNetwork) Connect(ctx context.Context, addr string) (*socket.StreamSocket, error) {
	if err := s.authorize(addr, "connect"); err != nil {
		return nil, err
	}
	return s.vn.Connect(ctx, addr)
}

// Listen authorizes then delegates to the underlying VirtualNetwork.
func (s *ScopedNetwork) Listen(ctx context.Context, addr string) (*socket.Listener, error) {
	if err := s.authorize(addr, "listen"); err != nil {
		return nil, err
	}
	return s.vn.Listen(ctx, addr)
}

// SendDatagram authorizes then delegates to the underlying
// VirtualNetwork.
func (s *ScopedNetwork) SendDatagram(ctx context.Context, addr string, data []byte) error {
	if err := s.authorize(addr, "send_datagram"); err != nil {
		return err
	}
	return s.vn.SendDatagram(ctx, addr, data)
}

// BindDatagram authorizes then delegates to the underlying
// VirtualNetwork.
func (s *ScopedNetwork) BindDatagram(ctx context.Context, addr string) (*socket.DatagramSocket, error) {
	if err := s.authorize(addr, "bind_datagram"); err != nil {
		return nil, err
	}
	return s.vn.BindDatagram(ctx, addr)
}

// Resolve always checks dns:resolve, independent of any particular
// scheme.
func (s *ScopedNetwork) Resolve(ctx context.Context, name, recordType string) ([]string, error) {
	if !s.engine.Check(s.scopeID, policy.CheckRequest{Capability: constants.CapDNSResolve, Address: name}) {
		return nil, kerrors.Newf(kerrors.EPolicy, "policy denied resolve for %q", name).
			WithField("address", name)
	}
	return s.vn.Resolve(ctx, name, recordType)
}
