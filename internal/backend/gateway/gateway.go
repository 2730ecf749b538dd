// Package gateway implements GatewayBackend: a Backend that proxies
// every operation through a remote transport using the binary control
// protocol in package wire. When the transport is not yet authenticated,
// operations are buffered on an OperationQueue and settle when Drain is
// called; once authenticated, operations send a control message and park
// a pending entry keyed by gateway/listener id, exactly as specified in
// §4.18.
package gateway

import (
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-microkernel/internal/authtranscript"
	"github.com/joeycumines/go-microkernel/internal/backend"
	"github.com/joeycumines/go-microkernel/internal/constants"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/opqueue"
	"github.com/joeycumines/go-microkernel/internal/socket"
	"github.com/joeycumines/go-microkernel/internal/wire"
)

// Transport is the external connection the gateway speaks the control
// protocol over. The backend does not own framing/dialing; it only sends
// Messages and expects HandleInbound to be fed every Message the host's
// transport read loop receives.
type Transport interface {
	// IsAuthenticated reports whether operations should be sent live
	// (true) or buffered on the operation queue (false).
	IsAuthenticated() bool
	// Send transmits msg to the remote end.
	Send(msg wire.Message) error
}

type parked[T any] struct {
	ch   chan parkedResult[T]
	once sync.Once
}

type parkedResult[T any] struct {
	val T
	err error
}

func newParked[T any]() *parked[T] { return &parked[T]{ch: make(chan parkedResult[T], 1)} }

func (p *parked[T]) settle(val T, err error) {
	p.once.Do(func() { p.ch <- parkedResult[T]{val: val, err: err} })
}

func (p *parked[T]) wait(ctx context.Context, timeout time.Duration) (T, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case r := <-p.ch:
		return r.val, r.err
	case <-waitCtx.Done():
		var zero T
		return zero, kerrors.New(kerrors.ETimedOut, "gateway operation timed out")
	}
}

// Backend is the GatewayBackend implementation.
type Backend struct {
	transport Transport
	opTimeout time.Duration
	hwm       int
	authKey   ed25519.PrivateKey
	sessionID []byte

	mu              sync.Mutex
	closed          bool
	gatewayIDSeq    uint64
	listenerIDSeq   uint64
	tcpPending      map[uint64]*parked[*socket.StreamSocket]
	udpPending      map[uint64]*parked[struct{}]
	udpStash        map[uint64][]byte
	listenPending   map[uint64]*parked[*socket.Listener]
	dnsPending      map[uint64]*parked[[]string]
	activeSockets   map[uint64]*socket.StreamSocket // relay side
	activeListeners map[uint64]*socket.Listener

	queue *opqueue.Queue
	pumps errgroup.Group // supervises in-flight relay data pumps, for a clean Close
}

// Option configures a Backend.
type Option func(*Backend)

// WithOperationTimeout overrides operation_timeout_ms (0 disables the
// per-operation timeout).
func WithOperationTimeout(d time.Duration) Option { return func(b *Backend) { b.opTimeout = d } }

// WithHighWaterMark overrides the stream high-water mark for relayed
// sockets.
func WithHighWaterMark(n int) Option { return func(b *Backend) { b.hwm = n } }

// WithQueueCapacity overrides the operation queue's maximum size.
func WithQueueCapacity(n int) Option {
	return func(b *Backend) { b.queue = opqueue.New(n) }
}

// WithAuthKey configures the Ed25519 private key and session id this
// backend signs AuthChallenge nonces with, per the §6.6 auth transcript.
// Without it, HandleInbound silently ignores AuthChallenge messages
// (authentication is then the transport's own responsibility).
func WithAuthKey(priv ed25519.PrivateKey, sessionID []byte) Option {
	return func(b *Backend) {
		b.authKey = priv
		b.sessionID = sessionID
	}
}

// New constructs a Backend driving transport.
func New(transport Transport, opts ...Option) *Backend {
	b := &Backend{
		transport:       transport,
		opTimeout:       constants.DefaultGatewayOpTimeout,
		hwm:             constants.DefaultHighWaterMark,
		tcpPending:      make(map[uint64]*parked[*socket.StreamSocket]),
		udpPending:      make(map[uint64]*parked[struct{}]),
		udpStash:        make(map[uint64][]byte),
		listenPending:   make(map[uint64]*parked[*socket.Listener]),
		dnsPending:      make(map[uint64]*parked[[]string]),
		activeSockets:   make(map[uint64]*socket.StreamSocket),
		activeListeners: make(map[uint64]*socket.Listener),
		queue:           opqueue.New(constants.DefaultOperationQueueMax),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) nextGatewayID() uint64  { return atomic.AddUint64(&b.gatewayIDSeq, 1) }
func (b *Backend) nextListenerID() uint64 { return atomic.AddUint64(&b.listenerIDSeq, 1) }

// deferredOp models one buffered operation for the not-yet-authenticated
// path: kind selects which live-dispatch function Drain should call.
type deferredOp struct {
	kind string
	host string
	port int
	name string
	rt   string
	data []byte
}

// runOrEnqueue performs op live if the transport is authenticated, or
// enqueues it (waiting for a later Drain) otherwise.
func (b *Backend) runOrEnqueue(ctx context.Context, op deferredOp, live func(ctx context.Context) (any, error)) (any, error) {
	if b.transport.IsAuthenticated() {
		return live(ctx)
	}
	entry, err := b.queue.Enqueue(op)
	if err != nil {
		return nil, err
	}
	return entry.Wait(ctx)
}

// Connect opens a TCP relay via the gateway.
func (b *Backend) Connect(ctx context.Context, host string, port int) (*socket.StreamSocket, error) {
	v, err := b.runOrEnqueue(ctx, deferredOp{kind: "tcp", host: host, port: port}, func(ctx context.Context) (any, error) {
		return b.connectLive(ctx, host, port)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*socket.StreamSocket), nil
}

func (b *Backend) connectLive(ctx context.Context, host string, port int) (*socket.StreamSocket, error) {
	id := b.nextGatewayID()
	p := newParked[*socket.StreamSocket]()
	b.mu.Lock()
	b.tcpPending[id] = p
	b.mu.Unlock()

	if err := b.transport.Send(wire.Message{Type: wire.OpenTCP, GatewayID: id, Host: host, Port: port}); err != nil {
		b.mu.Lock()
		delete(b.tcpPending, id)
		b.mu.Unlock()
		return nil, err
	}

	sock, err := p.wait(ctx, b.opTimeout)
	b.mu.Lock()
	delete(b.tcpPending, id)
	b.mu.Unlock()
	return sock, err
}

// SendDatagram sends one UDP datagram via the gateway: open, send data,
// close, per operation (§9 Open Questions: no batching this pass).
func (b *Backend) SendDatagram(ctx context.Context, host string, port int, data []byte) error {
	_, err := b.runOrEnqueue(ctx, deferredOp{kind: "udp", host: host, port: port, data: data}, func(ctx context.Context) (any, error) {
		return nil, b.sendDatagramLive(ctx, host, port, data)
	})
	return err
}

func (b *Backend) sendDatagramLive(ctx context.Context, host string, port int, data []byte) error {
	id := b.nextGatewayID()
	p := newParked[struct{}]()
	b.mu.Lock()
	b.udpPending[id] = p
	b.udpStash[id] = data
	b.mu.Unlock()

	if err := b.transport.Send(wire.Message{Type: wire.OpenUDP, GatewayID: id, Host: host, Port: port}); err != nil {
		b.mu.Lock()
		delete(b.udpPending, id)
		delete(b.udpStash, id)
		b.mu.Unlock()
		return err
	}

	_, err := p.wait(ctx, b.opTimeout)
	b.mu.Lock()
	delete(b.udpPending, id)
	delete(b.udpStash, id)
	b.mu.Unlock()
	return err
}

// Listen requests a remote listener via the gateway.
func (b *Backend) Listen(ctx context.Context, port int) (*socket.Listener, error) {
	v, err := b.runOrEnqueue(ctx, deferredOp{kind: "listen", port: port}, func(ctx context.Context) (any, error) {
		return b.listenLive(ctx, port)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*socket.Listener), nil
}

func (b *Backend) listenLive(ctx context.Context, port int) (*socket.Listener, error) {
	id := b.nextListenerID()
	p := newParked[*socket.Listener]()
	b.mu.Lock()
	b.listenPending[id] = p
	b.mu.Unlock()

	if err := b.transport.Send(wire.Message{Type: wire.ListenRequest, ListenerID: id, Port: port}); err != nil {
		b.mu.Lock()
		delete(b.listenPending, id)
		b.mu.Unlock()
		return nil, err
	}

	l, err := p.wait(ctx, b.opTimeout)
	b.mu.Lock()
	delete(b.listenPending, id)
	b.mu.Unlock()
	return l, err
}

// BindDatagram is not part of the gateway's specified control protocol
// (there is no bind-datagram message code); datagram reception is
// listener-free for a gateway, so this always fails ENOROUTE.
func (b *Backend) BindDatagram(ctx context.Context, port int) (*socket.DatagramSocket, error) {
	return nil, kerrors.New(kerrors.ENoRoute, "gateway backend does not support bind_datagram")
}

// Resolve issues a DNS query through the gateway.
func (b *Backend) Resolve(ctx context.Context, name, recordType string) ([]string, error) {
	v, err := b.runOrEnqueue(ctx, deferredOp{kind: "dns", name: name, rt: recordType}, func(ctx context.Context) (any, error) {
		return b.resolveLive(ctx, name, recordType)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]string), nil
}

func (b *Backend) resolveLive(ctx context.Context, name, recordType string) ([]string, error) {
	id := b.nextGatewayID()
	p := newParked[[]string]()
	b.mu.Lock()
	b.dnsPending[id] = p
	b.mu.Unlock()

	if err := b.transport.Send(wire.Message{Type: wire.ResolveDNS, GatewayID: id, Name: name, RecordType: recordType}); err != nil {
		b.mu.Lock()
		delete(b.dnsPending, id)
		b.mu.Unlock()
		return nil, err
	}

	addrs, err := p.wait(ctx, b.opTimeout)
	b.mu.Lock()
	delete(b.dnsPending, id)
	b.mu.Unlock()
	return addrs, err
}

// Drain executes every operation buffered while the transport was not
// authenticated, in FIFO order, now that it is.
func (b *Backend) Drain(ctx context.Context, drainTimeout time.Duration) {
	b.queue.Drain(ctx, drainTimeout, func(ctx context.Context, op any) (any, error) {
		d := op.(deferredOp)
		switch d.kind {
		case "tcp":
			return b.connectLive(ctx, d.host, d.port)
		case "udp":
			return nil, b.sendDatagramLive(ctx, d.host, d.port, d.data)
		case "listen":
			return b.listenLive(ctx, d.port)
		case "dns":
			return b.resolveLive(ctx, d.name, d.rt)
		default:
			return nil, kerrors.Newf(kerrors.ENoRoute, "unknown deferred operation kind %q", d.kind)
		}
	})
}

// pump reads from the relay side of a connected gateway socket and emits
// GatewayData frames, until EOF (a best-effort GatewayClose is sent) or a
// transport/read error (the relay is closed to unblock the user's
// reads).
func (b *Backend) pump(ctx context.Context, gatewayID uint64, relay *socket.StreamSocket) {
	for {
		chunk, err := relay.Read(ctx)
		if err != nil {
			_ = relay.Close()
			return
		}
		if chunk == nil {
			_ = b.transport.Send(wire.Message{Type: wire.GatewayClose, GatewayID: gatewayID})
			return
		}
		if err := b.transport.Send(wire.Message{Type: wire.GatewayData, GatewayID: gatewayID, Data: chunk}); err != nil {
			_ = relay.Close()
			return
		}
	}
}

// HandleInbound processes one message received from the transport. The
// host's transport read loop is expected to call this for every decoded
// wire.Message.
func (b *Backend) HandleInbound(ctx context.Context, msg wire.Message) {
	switch msg.Type {
	case wire.GatewayOK:
		b.handleGatewayOK(ctx, msg.GatewayID)
	case wire.GatewayFail:
		b.handleGatewayFail(msg.GatewayID)
	case wire.GatewayClose:
		b.handleGatewayClose(msg.GatewayID)
	case wire.GatewayData:
		b.handleGatewayData(msg.GatewayID, msg.Data)
	case wire.DNSResult:
		b.handleDNSResult(msg.GatewayID, msg.Addresses)
	case wire.ListenOK:
		b.handleListenOK(msg.ListenerID, msg.ActualPort)
	case wire.ListenFail:
		b.handleListenFail(msg.ListenerID)
	case wire.ListenClose:
		b.handleListenClose(msg.ListenerID)
	case wire.InboundOpen:
		b.handleInboundOpen(ctx, msg.ListenerID, msg.ChannelID)
	case wire.AuthChallenge:
		b.handleAuthChallenge(msg.Nonce)
	}
}

// handleAuthChallenge signs the challenged nonce per the §6.6 transcript
// and sends the signature back as an AuthResponse. If no auth key was
// configured via WithAuthKey, the challenge is ignored: authentication
// is then the transport's own responsibility.
func (b *Backend) handleAuthChallenge(nonce []byte) {
	if b.authKey == nil {
		return
	}
	sig, err := authtranscript.Sign(b.authKey, b.sessionID, nonce)
	if err != nil {
		return
	}
	_ = b.transport.Send(wire.Message{
		Type:      wire.AuthResponse,
		SessionID: b.sessionID,
		PublicKey: []byte(b.authKey.Public().(ed25519.PublicKey)),
		Signature: sig,
	})
}

// VerifyAuthResponse checks an AuthResponse message's Signature against
// the §6.6 transcript bound to its SessionID and the nonce it was
// challenged with, using the peer's claimed PublicKey. A Transport
// implementation authenticating an inbound gateway session calls this
// before flipping its own IsAuthenticated() to true.
func VerifyAuthResponse(msg wire.Message, nonce []byte) (bool, error) {
	return authtranscript.Verify(msg.PublicKey, msg.SessionID, nonce, msg.Signature)
}

func (b *Backend) handleGatewayOK(ctx context.Context, id uint64) {
	b.mu.Lock()
	if p, ok := b.tcpPending[id]; ok {
		delete(b.tcpPending, id)
		userSide, relaySide := socket.NewPair(b.hwm)
		b.activeSockets[id] = relaySide
		b.mu.Unlock()
		b.pumps.Go(func() error { b.pump(ctx, id, relaySide); return nil })
		p.settle(userSide, nil)
		return
	}
	if p, ok := b.udpPending[id]; ok {
		delete(b.udpPending, id)
		data := b.udpStash[id]
		delete(b.udpStash, id)
		b.mu.Unlock()
		_ = b.transport.Send(wire.Message{Type: wire.GatewayData, GatewayID: id, Data: data})
		_ = b.transport.Send(wire.Message{Type: wire.GatewayClose, GatewayID: id})
		p.settle(struct{}{}, nil)
		return
	}
	b.mu.Unlock()
}

func (b *Backend) handleGatewayFail(id uint64) {
	b.mu.Lock()
	if p, ok := b.tcpPending[id]; ok {
		delete(b.tcpPending, id)
		b.mu.Unlock()
		p.settle(nil, kerrors.New(kerrors.EConnRefused, "gateway refused connection"))
		return
	}
	if p, ok := b.udpPending[id]; ok {
		delete(b.udpPending, id)
		delete(b.udpStash, id)
		b.mu.Unlock()
		p.settle(struct{}{}, kerrors.New(kerrors.EConnRefused, "gateway refused udp open"))
		return
	}
	if p, ok := b.dnsPending[id]; ok {
		delete(b.dnsPending, id)
		b.mu.Unlock()
		p.settle(nil, kerrors.New(kerrors.ENotFound, "gateway dns query failed"))
		return
	}
	b.mu.Unlock()
}

func (b *Backend) handleGatewayClose(id uint64) {
	b.mu.Lock()
	sock, ok := b.activeSockets[id]
	delete(b.activeSockets, id)
	b.mu.Unlock()
	if ok {
		_ = sock.Close()
	}
}

func (b *Backend) handleGatewayData(id uint64, data []byte) {
	b.mu.Lock()
	sock, ok := b.activeSockets[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = sock.Outbound.Write(data)
}

func (b *Backend) handleDNSResult(id uint64, addrs []string) {
	b.mu.Lock()
	p, ok := b.dnsPending[id]
	delete(b.dnsPending, id)
	b.mu.Unlock()
	if ok {
		p.settle(addrs, nil)
	}
}

func (b *Backend) handleListenOK(id uint64, actualPort int) {
	b.mu.Lock()
	p, ok := b.listenPending[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.listenPending, id)
	l := socket.NewListener(actualPort, constants.DefaultAcceptQueueMax, func() {
		b.mu.Lock()
		delete(b.activeListeners, id)
		b.mu.Unlock()
	})
	b.activeListeners[id] = l
	b.mu.Unlock()
	p.settle(l, nil)
}

func (b *Backend) handleListenFail(id uint64) {
	b.mu.Lock()
	p, ok := b.listenPending[id]
	delete(b.listenPending, id)
	b.mu.Unlock()
	if ok {
		p.settle(nil, kerrors.New(kerrors.EListenFail, "gateway listen failed"))
	}
}

func (b *Backend) handleListenClose(id uint64) {
	b.mu.Lock()
	l, ok := b.activeListeners[id]
	delete(b.activeListeners, id)
	b.mu.Unlock()
	if ok {
		_ = l.Close()
	}
}

func (b *Backend) handleInboundOpen(ctx context.Context, listenerID, channelID uint64) {
	b.mu.Lock()
	l, ok := b.activeListeners[listenerID]
	b.mu.Unlock()
	if !ok || l.Closed() {
		_ = b.transport.Send(wire.Message{Type: wire.InboundReject, ChannelID: channelID, Reason: "no such listener"})
		return
	}

	id := b.nextGatewayID()
	userSide, relaySide := socket.NewPair(b.hwm)
	b.mu.Lock()
	b.activeSockets[id] = relaySide
	b.mu.Unlock()

	l.Enqueue(userSide)
	b.pumps.Go(func() error { b.pump(ctx, id, relaySide); return nil })
	_ = b.transport.Send(wire.Message{Type: wire.InboundAccept, ChannelID: channelID, GatewayID: id})
}

// Close marks the backend closed, clears the operation queue (rejecting
// pending entries with ECLOSED), closes every active socket and
// listener, and rejects every pending operation with ECLOSED.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	tcp := b.tcpPending
	b.tcpPending = make(map[uint64]*parked[*socket.StreamSocket])
	udp := b.udpPending
	b.udpPending = make(map[uint64]*parked[struct{}])
	listens := b.listenPending
	b.listenPending = make(map[uint64]*parked[*socket.Listener])
	dns := b.dnsPending
	b.dnsPending = make(map[uint64]*parked[[]string])
	sockets := b.activeSockets
	b.activeSockets = make(map[uint64]*socket.StreamSocket)
	listeners := b.activeListeners
	b.activeListeners = make(map[uint64]*socket.Listener)
	b.mu.Unlock()

	b.queue.Clear()

	closedErr := kerrors.New(kerrors.EClosed, "gateway backend closed")
	for _, p := range tcp {
		p.settle(nil, closedErr)
	}
	for _, p := range udp {
		p.settle(struct{}{}, closedErr)
	}
	for _, p := range listens {
		p.settle(nil, closedErr)
	}
	for _, p := range dns {
		p.settle(nil, closedErr)
	}
	for _, s := range sockets {
		_ = s.Close()
	}
	for _, l := range listeners {
		_ = l.Close()
	}
	_ = b.pumps.Wait() // every pump returns nil; closing their sockets above unblocks them
	return nil
}
