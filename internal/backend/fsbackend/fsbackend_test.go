package fsbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
)

func TestConnectOnEmptyPathYieldsNoSnapshot(t *testing.T) {
	b := New()
	defer b.Close()

	sock, err := b.Connect(context.Background(), "tenant1/readme.txt", 0)
	assert.NoError(t, err)
	assert.NoError(t, sock.Outbound.Write([]byte("hello")))

	chunk, err := sock.Inbound.Read(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), chunk)
}

func TestWritesPersistAcrossConnects(t *testing.T) {
	b := New()
	defer b.Close()

	sock1, err := b.Connect(context.Background(), "tenant1/file.txt", 0)
	assert.NoError(t, err)
	assert.NoError(t, sock1.Outbound.Write([]byte("first")))

	sock2, err := b.Connect(context.Background(), "tenant1/file.txt", 0)
	assert.NoError(t, err)
	chunk, err := sock2.Inbound.Read(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []byte("first"), chunk)
}

func TestConnectSnapshotExcludesLaterWrites(t *testing.T) {
	b := New()
	defer b.Close()

	sock1, _ := b.Connect(context.Background(), "tenant1/file.txt", 0)
	assert.NoError(t, sock1.Outbound.Write([]byte("before")))

	sock2, _ := b.Connect(context.Background(), "tenant1/file.txt", 0)

	assert.NoError(t, sock1.Outbound.Write([]byte("after")))

	chunk, err := sock2.Inbound.Read(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []byte("before"), chunk)
}

func TestBindOwnerThenResolveReturnsOwner(t *testing.T) {
	b := New()
	defer b.Close()

	b.BindOwner("tenant1/file.txt", "tenant_1")
	owners, err := b.Resolve(context.Background(), "tenant1/file.txt", "")
	assert.NoError(t, err)
	assert.Equal(t, []string{"tenant_1"}, owners)
}

func TestBindOwnerFirstWriteWins(t *testing.T) {
	b := New()
	defer b.Close()

	b.BindOwner("shared.txt", "tenant_1")
	b.BindOwner("shared.txt", "tenant_2")

	owners, _ := b.Resolve(context.Background(), "shared.txt", "")
	assert.Equal(t, []string{"tenant_1"}, owners)
}

func TestResolveUnboundPathReturnsNil(t *testing.T) {
	b := New()
	defer b.Close()

	owners, err := b.Resolve(context.Background(), "nope.txt", "")
	assert.NoError(t, err)
	assert.Nil(t, owners)
}

func TestListenSendDatagramBindDatagramAreUnsupported(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Listen(context.Background(), 0)
	assert.True(t, kerrors.Has(err, kerrors.ENoRoute))

	err = b.SendDatagram(context.Background(), "x", 0, nil)
	assert.True(t, kerrors.Has(err, kerrors.ENoRoute))

	_, err = b.BindDatagram(context.Background(), 0)
	assert.True(t, kerrors.Has(err, kerrors.ENoRoute))
}

func TestCloseIsIdempotentAndDiscardsContents(t *testing.T) {
	b := New()
	_, _ = b.Connect(context.Background(), "tenant1/file.txt", 0)
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
