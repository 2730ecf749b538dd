package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joeycumines/go-microkernel/internal/kerrors"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	assert.NoError(t, r.Register("svc://echo", "listener-value", RegisterOptions{Owner: "tenant_1"}))

	e, err := r.Lookup("svc://echo")
	assert.NoError(t, err)
	assert.Equal(t, "listener-value", e.Listener)
	assert.Equal(t, "tenant_1", e.Owner)
}

func TestRegisterDuplicateFailsAlready(t *testing.T) {
	r := New()
	assert.NoError(t, r.Register("svc://echo", 1, RegisterOptions{}))
	err := r.Register("svc://echo", 2, RegisterOptions{})
	assert.True(t, kerrors.Has(err, kerrors.EAlready))
}

func TestLookupMissingFailsNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup("svc://missing")
	assert.True(t, kerrors.Has(err, kerrors.ENotFound))
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	r.Register("svc://echo", 1, RegisterOptions{})
	assert.NoError(t, r.Unregister("svc://echo"))

	_, err := r.Lookup("svc://echo")
	assert.True(t, kerrors.Has(err, kerrors.ENotFound))
}

func TestUnregisterMissingFailsNotFound(t *testing.T) {
	r := New()
	err := r.Unregister("svc://missing")
	assert.True(t, kerrors.Has(err, kerrors.ENotFound))
}

func TestLookupMissHookIsConsultedInOrder(t *testing.T) {
	r := New()
	r.AddLookupMissHook(func(name string) (Entry, bool) { return Entry{}, false })
	r.AddLookupMissHook(func(name string) (Entry, bool) {
		return Entry{Name: name, Listener: "fallback"}, true
	})

	e, err := r.Lookup("svc://dynamic")
	assert.NoError(t, err)
	assert.Equal(t, "fallback", e.Listener)
}

func TestLookupMissHookPanicIsSwallowed(t *testing.T) {
	r := New()
	r.AddLookupMissHook(func(name string) (Entry, bool) { panic("boom") })

	_, err := r.Lookup("svc://anything")
	assert.True(t, kerrors.Has(err, kerrors.ENotFound))
}

func TestOnRegisterAndOnUnregisterCallbacksFire(t *testing.T) {
	r := New()
	var registered, unregistered []string
	r.OnRegister(func(e Entry) { registered = append(registered, e.Name) })
	r.OnUnregister(func(e Entry) { unregistered = append(unregistered, e.Name) })

	r.Register("svc://a", 1, RegisterOptions{})
	r.Unregister("svc://a")

	assert.Equal(t, []string{"svc://a"}, registered)
	assert.Equal(t, []string{"svc://a"}, unregistered)
}
