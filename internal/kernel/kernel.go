// Package kernel implements the Kernel facade: the composition root that
// owns the ResourceTable, Clock, RNG, Tracer, Logger, ChaosEngine,
// ServiceRegistry, VirtualNetwork and PolicyEngine, and mints capability-
// scoped Tenants against them.
package kernel

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-microkernel/internal/backend/chaoswrap"
	"github.com/joeycumines/go-microkernel/internal/backend/fsbackend"
	"github.com/joeycumines/go-microkernel/internal/backend/gateway"
	"github.com/joeycumines/go-microkernel/internal/backend/loopback"
	"github.com/joeycumines/go-microkernel/internal/backend/svcbackend"
	"github.com/joeycumines/go-microkernel/internal/caps"
	"github.com/joeycumines/go-microkernel/internal/chaos"
	"github.com/joeycumines/go-microkernel/internal/clock"
	"github.com/joeycumines/go-microkernel/internal/constants"
	"github.com/joeycumines/go-microkernel/internal/environment"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/logger"
	"github.com/joeycumines/go-microkernel/internal/msgport"
	"github.com/joeycumines/go-microkernel/internal/policy"
	"github.com/joeycumines/go-microkernel/internal/registry"
	"github.com/joeycumines/go-microkernel/internal/restable"
	"github.com/joeycumines/go-microkernel/internal/rng"
	"github.com/joeycumines/go-microkernel/internal/sig"
	"github.com/joeycumines/go-microkernel/internal/stdio"
	"github.com/joeycumines/go-microkernel/internal/tracer"
	"github.com/joeycumines/go-microkernel/internal/vnet"
)

// Kernel is the composition root shared by every tenant it creates.
type Kernel struct {
	Clock     clock.Clock
	RNG       rng.Source
	Resources *restable.Table
	Tracer    *tracer.Tracer
	Logger    *logger.Logger
	Chaos     *chaos.Engine
	Services  *registry.Registry
	Network   *vnet.VirtualNetwork
	Policy    *policy.Engine

	highWaterMark int
	gatewayWires  []func(*vnet.VirtualNetwork)

	mu       sync.Mutex
	tenants  map[string]*Tenant
	closed   bool
	tenantID uint64
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithClock overrides the default Real clock.
func WithClock(c clock.Clock) Option { return func(k *Kernel) { k.Clock = c } }

// WithRNG overrides the default Crypto RNG source.
func WithRNG(r rng.Source) Option { return func(k *Kernel) { k.RNG = r } }

// WithResourceTableMax overrides the ResourceTable's capacity.
func WithResourceTableMax(n int) Option {
	return func(k *Kernel) { k.Resources = restable.New(n) }
}

// WithTracer overrides the default Tracer.
func WithTracer(t *tracer.Tracer) Option { return func(k *Kernel) { k.Tracer = t } }

// WithChaos overrides the default (disabled) ChaosEngine.
func WithChaos(c *chaos.Engine) Option { return func(k *Kernel) { k.Chaos = c } }

// WithNetwork overrides the default VirtualNetwork.
func WithNetwork(n *vnet.VirtualNetwork) Option { return func(k *Kernel) { k.Network = n } }

// WithHighWaterMark overrides the default stream high-water mark used for
// per-tenant stdio pipes.
func WithHighWaterMark(n int) Option { return func(k *Kernel) { k.highWaterMark = n } }

// WithGatewayTransport wires a GatewayBackend driving transport onto the
// default VirtualNetwork under scheme, once the network is constructed.
// Unlike the built-in backends (loopback, fs, svc), a gateway needs a
// live Transport the caller owns the lifecycle of, so it is never
// registered unconditionally; pass this option to opt in. Composes with
// WithNetwork: the wiring is applied to whichever VirtualNetwork the
// Kernel ends up with.
func WithGatewayTransport(scheme string, transport gateway.Transport, opts ...gateway.Option) Option {
	return func(k *Kernel) {
		k.gatewayWires = append(k.gatewayWires, func(n *vnet.VirtualNetwork) {
			n.AddBackend(scheme, gateway.New(transport, opts...))
		})
	}
}

// New constructs a Kernel with sensible defaults: a Real clock, a Crypto
// RNG, a resource table at the default capacity, a fresh Tracer and
// mirrored Logger, a disabled ChaosEngine, an empty ServiceRegistry, and
// an empty PolicyEngine. The default VirtualNetwork registers a
// chaos-wrapped LoopbackBackend under mem/loop, an fsbackend under fs,
// and an svcbackend bound to the kernel's ServiceRegistry under svc;
// GatewayBackend is opt-in via WithGatewayTransport, since it requires an
// externally supplied live Transport that cannot be conjured here.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		Resources:     restable.New(constants.DefaultResourceTableMax),
		Services:      registry.New(),
		Policy:        policy.New(),
		highWaterMark: constants.DefaultHighWaterMark,
		tenants:       make(map[string]*Tenant),
	}
	for _, o := range opts {
		o(k)
	}
	if k.Clock == nil {
		k.Clock = clock.NewReal()
	}
	if k.RNG == nil {
		k.RNG = rng.NewCrypto()
	}
	if k.Tracer == nil {
		k.Tracer = tracer.New(tracer.WithClock(k.Clock.NowMonotonic))
	}
	if k.Logger == nil {
		k.Logger = logger.New(logger.WithClock(k.Clock.NowMonotonic), logger.WithMirror(k.Tracer))
	}
	if k.Chaos == nil {
		k.Chaos = chaos.New(chaos.Config{}, chaos.WithRNG(k.RNG), chaos.WithClock(k.Clock))
	}
	if k.Network == nil {
		wrapped := chaoswrap.New(loopback.New(), k.Chaos, "")
		n := vnet.New(
			vnet.WithBackend("mem", wrapped),
			vnet.WithBackend("loop", wrapped),
		)
		n.AddBackend("fs", fsbackend.New())
		n.AddBackend("svc", svcbackend.New(k.Services))
		k.Network = n
	}
	for _, wire := range k.gatewayWires {
		wire(k.Network)
	}
	return k
}

// Tenant is one capability-scoped unit of isolation within a Kernel.
type Tenant struct {
	ID      string
	Caps    caps.Caps
	Stdio   stdio.Stdio
	Host    stdio.Host
	Env     environment.Environment
	Signals *sig.Controller
	Network *vnet.ScopedNetwork
	// Messages is this tenant's half of a message port paired with
	// another tenant by LinkTenants, or nil until linked.
	Messages *msgport.Port

	kernel  *Kernel
	scopeID string

	mu      sync.Mutex
	closed  bool
}

// TenantOptions configures CreateTenant.
type TenantOptions struct {
	Capabilities []constants.Capability
	Policy       policy.CheckFunc
	Environment  map[string]string
}

// CreateTenant mints a new Tenant with a frozen capability set, its own
// stdio pipes, environment, signal controller and capability-gated
// network view.
func (k *Kernel) CreateTenant(opts TenantOptions) (*Tenant, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, kerrors.New(kerrors.EClosed, "kernel is closed")
	}
	k.tenantID++
	id := fmt.Sprintf("tenant_%d", k.tenantID)
	k.mu.Unlock()

	grant := caps.NewSet(opts.Capabilities...)
	scopeID := k.Policy.CreateScope(policy.ScopeOptions{Capabilities: grant, Policy: opts.Policy})

	tenantStdio, host := stdio.New(k.highWaterMark)

	t := &Tenant{
		ID: id,
		Caps: caps.Caps{
			Granted:  grant,
			Clock:    k.Clock,
			RNG:      k.RNG,
			Services: k.Services,
			Tracer:   k.Tracer,
			Chaos:    k.Chaos,
		},
		Stdio:   tenantStdio,
		Host:    host,
		Env:     environment.New(opts.Environment),
		Signals: sig.New(),
		Network: vnet.NewScoped(k.Network, k.Policy, scopeID),
		kernel:  k,
		scopeID: scopeID,
	}

	k.mu.Lock()
	k.tenants[id] = t
	k.mu.Unlock()

	k.Logger.Info("tenant created", map[string]any{"tenant": id})
	k.Tracer.Emit("tenant_created", map[string]any{"tenant": id})
	return t, nil
}

// requireCap fails ECAPDENIED if the tenant does not hold tag.
func (t *Tenant) requireCap(tag constants.Capability) error {
	return caps.Require(t.Caps, tag)
}

// RequireCapability exposes the tenant's capability gate for callers
// outside this package (e.g. a backend adapter deciding whether to
// service a request on this tenant's behalf).
func (t *Tenant) RequireCapability(tag constants.Capability) error {
	return t.requireCap(tag)
}

// LinkTenants pairs two existing tenants with a fresh message port,
// assigning each tenant its half as Messages. Posting on one tenant's
// Messages port delivers to the other's listeners. Fails ENOTFOUND if
// either tenant id is unknown, or EALREADY if either tenant is already
// linked.
func (k *Kernel) LinkTenants(aID, bID string) error {
	k.mu.Lock()
	a, ok := k.tenants[aID]
	if !ok {
		k.mu.Unlock()
		return kerrors.Newf(kerrors.ENotFound, "tenant %q not found", aID)
	}
	b, ok := k.tenants[bID]
	if !ok {
		k.mu.Unlock()
		return kerrors.Newf(kerrors.ENotFound, "tenant %q not found", bID)
	}
	k.mu.Unlock()

	a.mu.Lock()
	aLinked := a.Messages != nil
	a.mu.Unlock()
	b.mu.Lock()
	bLinked := b.Messages != nil
	b.mu.Unlock()
	if aLinked || bLinked {
		return kerrors.New(kerrors.EAlready, "tenant already linked to a message port")
	}

	pa, pb := msgport.NewPair()
	a.mu.Lock()
	a.Messages = pa
	a.mu.Unlock()
	b.mu.Lock()
	b.Messages = pb
	b.mu.Unlock()
	return nil
}

// DestroyTenant drops every resource owned by tenant id, closes its
// stdio pipes, and removes it from the kernel. Idempotent: destroying an
// already-destroyed or unknown tenant id is a no-op.
func (k *Kernel) DestroyTenant(id string) error {
	k.mu.Lock()
	t, ok := k.tenants[id]
	if !ok {
		k.mu.Unlock()
		return nil
	}
	delete(k.tenants, id)
	k.mu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	for _, h := range k.Resources.ListByOwner(id) {
		v, err := k.Resources.Drop(h)
		if err != nil {
			continue
		}
		if c, ok := v.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}

	stdio.Close(t.Stdio, t.Host)
	t.mu.Lock()
	messages := t.Messages
	t.mu.Unlock()
	if messages != nil {
		messages.Close()
	}
	t.Signals.Signal(constants.SignalTerm)

	k.Logger.Info("tenant destroyed", map[string]any{"tenant": id})
	k.Tracer.Emit("tenant_destroyed", map[string]any{"tenant": id})
	return nil
}

// Close destroys every tenant, clears the resource table, and tears down
// the virtual network's backends. The service registry is not cleared:
// services registered before Close stay registered. Idempotent.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	ids := make([]string, 0, len(k.tenants))
	for id := range k.tenants {
		ids = append(ids, id)
	}
	k.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error { return k.DestroyTenant(id) })
	}
	_ = g.Wait() // DestroyTenant never returns a non-nil error

	k.Resources.Clear()
	netErr := k.Network.Close()

	k.Logger.Info("kernel closed", nil)
	k.Tracer.Emit("kernel_closed", nil)
	return netErr
}
