package svcbackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
	"github.com/joeycumines/go-microkernel/internal/registry"
	"github.com/joeycumines/go-microkernel/internal/socket"
)

type handleConnectionStub struct {
	got chan *socket.StreamSocket
}

func (s *handleConnectionStub) HandleConnection(sock *socket.StreamSocket) {
	s.got <- sock
}

func TestConnectPrefersHandleConnectionInterface(t *testing.T) {
	reg := registry.New()
	stub := &handleConnectionStub{got: make(chan *socket.StreamSocket, 1)}
	assert.NoError(t, reg.Register("svc://echo", stub, registry.RegisterOptions{}))

	b := New(reg)
	client, err := b.Connect(context.Background(), "svc://echo", 0)
	assert.NoError(t, err)
	assert.NotNil(t, client)

	select {
	case server := <-stub.got:
		assert.NotNil(t, server)
	case <-time.After(time.Second):
		t.Fatal("HandleConnection was not invoked")
	}
}

func TestConnectFallsBackToEnqueuerInterface(t *testing.T) {
	reg := registry.New()
	l := socket.NewListener(0, 4, nil)
	assert.NoError(t, reg.Register("svc://queued", l, registry.RegisterOptions{}))

	b := New(reg)
	client, err := b.Connect(context.Background(), "svc://queued", 0)
	assert.NoError(t, err)
	assert.NotNil(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	server, err := l.Accept(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, server)
}

func TestConnectMissingServiceFailsConnRefused(t *testing.T) {
	b := New(registry.New())
	_, err := b.Connect(context.Background(), "svc://missing", 0)
	assert.True(t, kerrors.Has(err, kerrors.EConnRefused))
}

func TestConnectUnsupportedListenerTypeFailsConnRefused(t *testing.T) {
	reg := registry.New()
	assert.NoError(t, reg.Register("svc://bad", "not-a-listener", registry.RegisterOptions{}))

	b := New(reg)
	_, err := b.Connect(context.Background(), "svc://bad", 0)
	assert.True(t, kerrors.Has(err, kerrors.EConnRefused))
}

func TestListenSendDatagramBindDatagramAreUnsupported(t *testing.T) {
	b := New(registry.New())

	_, err := b.Listen(context.Background(), 0)
	assert.True(t, kerrors.Has(err, kerrors.ENoRoute))

	err = b.SendDatagram(context.Background(), "x", 0, nil)
	assert.True(t, kerrors.Has(err, kerrors.ENoRoute))

	_, err = b.BindDatagram(context.Background(), 0)
	assert.True(t, kerrors.Has(err, kerrors.ENoRoute))
}

func TestResolveReturnsNil(t *testing.T) {
	b := New(registry.New())
	addrs, err := b.Resolve(context.Background(), "svc://echo", "")
	assert.NoError(t, err)
	assert.Nil(t, addrs)
}
