package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joeycumines/go-microkernel/internal/authtranscript"
	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/socket"
	"github.com/joeycumines/go-microkernel/internal/wire"
)

// fakeTransport records every sent message and lets tests flip
// authentication state and inject replies via the Backend's HandleInbound.
type fakeTransport struct {
	mu            sync.Mutex
	authenticated bool
	sent          []wire.Message
	onSend        func(msg wire.Message)
}

func (f *fakeTransport) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeTransport) Send(msg wire.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
	return nil
}

func (f *fakeTransport) setAuthenticated(v bool) {
	f.mu.Lock()
	f.authenticated = v
	f.mu.Unlock()
}

func (f *fakeTransport) lastSent() wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func waitCtx(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func TestConnectSendsOpenTCPAndSettlesOnGatewayOK(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	type connectResult struct {
		sock *socket.StreamSocket
		err  error
	}
	result := make(chan connectResult, 1)
	ctx, cancel := waitCtx(t)
	defer cancel()
	go func() {
		sock, err := b.Connect(ctx, "example.com", 443)
		result <- connectResult{sock: sock, err: err}
	}()

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	assert.Equal(t, wire.OpenTCP, sent.Type)
	assert.Equal(t, "example.com", sent.Host)
	assert.Equal(t, 443, sent.Port)

	b.HandleInbound(ctx, wire.Message{Type: wire.GatewayOK, GatewayID: sent.GatewayID})

	r := <-result
	assert.NoError(t, r.err)
	assert.NotNil(t, r.sock)
}

func TestConnectSettlesWithConnRefusedOnGatewayFail(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		_, err := b.Connect(ctx, "example.com", 443)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	b.HandleInbound(ctx, wire.Message{Type: wire.GatewayFail, GatewayID: sent.GatewayID})

	err := <-result
	assert.True(t, kerrors.Has(err, kerrors.EConnRefused))
}

func TestConnectTimesOutWithoutReply(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft, WithOperationTimeout(20*time.Millisecond))
	defer b.Close()

	_, err := b.Connect(context.Background(), "example.com", 443)
	assert.True(t, kerrors.Has(err, kerrors.ETimedOut))
}

func TestConnectBuffersWhenNotAuthenticatedThenDrains(t *testing.T) {
	ft := &fakeTransport{authenticated: false}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		_, err := b.Connect(ctx, "example.com", 443)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.queue.Len())

	ft.setAuthenticated(true)
	go b.Drain(ctx, 0)

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	assert.Equal(t, wire.OpenTCP, sent.Type)
	b.HandleInbound(ctx, wire.Message{Type: wire.GatewayOK, GatewayID: sent.GatewayID})

	err := <-result
	assert.NoError(t, err)
}

func TestSendDatagramFlowsOpenDataCloseThenSettles(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		result <- b.SendDatagram(ctx, "10.0.0.1", 53, []byte("payload"))
	}()

	time.Sleep(20 * time.Millisecond)
	openMsg := ft.lastSent()
	assert.Equal(t, wire.OpenUDP, openMsg.Type)

	b.HandleInbound(ctx, wire.Message{Type: wire.GatewayOK, GatewayID: openMsg.GatewayID})

	err := <-result
	assert.NoError(t, err)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.GreaterOrEqual(t, len(ft.sent), 3)
	assert.Equal(t, wire.GatewayData, ft.sent[len(ft.sent)-2].Type)
	assert.Equal(t, []byte("payload"), ft.sent[len(ft.sent)-2].Data)
	assert.Equal(t, wire.GatewayClose, ft.sent[len(ft.sent)-1].Type)
}

func TestListenSendsListenRequestAndSettlesOnListenOK(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan error, 1)
	var listener interface{ LocalPort() int }
	go func() {
		l, err := b.Listen(ctx, 0)
		if l != nil {
			listener = l
		}
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	assert.Equal(t, wire.ListenRequest, sent.Type)

	b.HandleInbound(ctx, wire.Message{Type: wire.ListenOK, ListenerID: sent.ListenerID, ActualPort: 9000})

	err := <-result
	assert.NoError(t, err)
	assert.NotNil(t, listener)
	assert.Equal(t, 9000, listener.LocalPort())
}

func TestListenFailSettlesWithListenFailError(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		_, err := b.Listen(ctx, 0)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	b.HandleInbound(ctx, wire.Message{Type: wire.ListenFail, ListenerID: sent.ListenerID})

	err := <-result
	assert.True(t, kerrors.Has(err, kerrors.EListenFail))
}

func TestResolveSettlesWithAddressesOnDNSResult(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan []string, 1)
	go func() {
		addrs, _ := b.Resolve(ctx, "example.com", "A")
		result <- addrs
	}()

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	assert.Equal(t, wire.ResolveDNS, sent.Type)

	b.HandleInbound(ctx, wire.Message{Type: wire.DNSResult, GatewayID: sent.GatewayID, Addresses: []string{"1.2.3.4"}})

	addrs := <-result
	assert.Equal(t, []string{"1.2.3.4"}, addrs)
}

func TestResolveFailsWithNotFoundOnGatewayFail(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		_, err := b.Resolve(ctx, "missing.example.com", "A")
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	b.HandleInbound(ctx, wire.Message{Type: wire.GatewayFail, GatewayID: sent.GatewayID})

	err := <-result
	assert.True(t, kerrors.Has(err, kerrors.ENotFound))
}

func TestBindDatagramIsUnsupported(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	_, err := b.BindDatagram(context.Background(), 0)
	assert.True(t, kerrors.Has(err, kerrors.ENoRoute))
}

func TestGatewayDataRelaysIntoUserSocket(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan *socket.StreamSocket, 1)
	go func() {
		sock, _ := b.Connect(ctx, "example.com", 443)
		result <- sock
	}()

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	b.HandleInbound(ctx, wire.Message{Type: wire.GatewayOK, GatewayID: sent.GatewayID})
	userSock := <-result

	b.HandleInbound(ctx, wire.Message{Type: wire.GatewayData, GatewayID: sent.GatewayID, Data: []byte("inbound")})

	chunk, err := userSock.Read(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []byte("inbound"), chunk)
}

func TestHandleInboundOpenAcceptsThenEnqueuesOnListener(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	ctx, cancel := waitCtx(t)
	defer cancel()
	listenResult := make(chan error, 1)
	var listener *socket.Listener
	go func() {
		l, err := b.Listen(ctx, 0)
		listener = l
		listenResult <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sent := ft.lastSent()
	b.HandleInbound(ctx, wire.Message{Type: wire.ListenOK, ListenerID: sent.ListenerID, ActualPort: 9001})
	assert.NoError(t, <-listenResult)
	assert.NotNil(t, listener)

	b.HandleInbound(ctx, wire.Message{Type: wire.InboundOpen, ListenerID: sent.ListenerID, ChannelID: 42})

	accepted, err := listener.Accept(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, accepted)

	acceptMsg := ft.lastSent()
	assert.Equal(t, wire.InboundAccept, acceptMsg.Type)
	assert.Equal(t, uint64(42), acceptMsg.ChannelID)
}

func TestHandleInboundOpenRejectsUnknownListener(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	defer b.Close()

	b.HandleInbound(context.Background(), wire.Message{Type: wire.InboundOpen, ListenerID: 999, ChannelID: 7})

	sent := ft.lastSent()
	assert.Equal(t, wire.InboundReject, sent.Type)
	assert.Equal(t, uint64(7), sent.ChannelID)
}

func TestCloseRejectsPendingOperationsWithClosed(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)

	ctx, cancel := waitCtx(t)
	defer cancel()
	result := make(chan error, 1)
	go func() {
		_, err := b.Connect(ctx, "example.com", 443)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, b.Close())

	err := <-result
	assert.True(t, kerrors.Has(err, kerrors.EClosed))
}

func TestCloseIsIdempotent(t *testing.T) {
	ft := &fakeTransport{authenticated: true}
	b := New(ft)
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}

func TestHandleAuthChallengeSignsAndVerifies(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	assert.NoError(t, err)

	sessionID := []byte("session-1")
	ft := &fakeTransport{authenticated: false}
	b := New(ft, WithAuthKey(priv, sessionID))
	defer b.Close()

	nonce := make([]byte, authtranscript.NonceLen)
	_, err = rand.Read(nonce)
	assert.NoError(t, err)

	b.HandleInbound(context.Background(), wire.Message{Type: wire.AuthChallenge, Nonce: nonce})

	resp := ft.lastSent()
	assert.Equal(t, wire.AuthResponse, resp.Type)
	assert.Equal(t, sessionID, resp.SessionID)
	assert.Equal(t, []byte(pub), resp.PublicKey)

	ok, err := VerifyAuthResponse(resp, nonce)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleAuthChallengeIgnoredWithoutAuthKey(t *testing.T) {
	ft := &fakeTransport{authenticated: false}
	b := New(ft)
	defer b.Close()

	b.HandleInbound(context.Background(), wire.Message{Type: wire.AuthChallenge, Nonce: make([]byte, authtranscript.NonceLen)})
	assert.Empty(t, ft.sent)
}

func TestVerifyAuthResponseRejectsTamperedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	assert.NoError(t, err)

	sessionID := []byte("session-2")
	nonce := make([]byte, authtranscript.NonceLen)
	_, err = rand.Read(nonce)
	assert.NoError(t, err)

	sig, err := authtranscript.Sign(priv, sessionID, nonce)
	assert.NoError(t, err)
	sig[0] ^= 0xff

	ok, err := VerifyAuthResponse(wire.Message{SessionID: sessionID, PublicKey: []byte(pub), Signature: sig}, nonce)
	assert.NoError(t, err)
	assert.False(t, ok)
}
