package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joeycumines/go-microkernel/internal/caps"
	"github.com/joeycumines/go-microkernel/internal/constants"
)

func TestCheckUnknownScopeDenies(t *testing.T) {
	e := New()
	assert.False(t, e.Check("scope_999", CheckRequest{Capability: constants.CapNet}))
}

func TestCheckWithoutCallbackUsesCapabilitySet(t *testing.T) {
	e := New()
	scopeID := e.CreateScope(ScopeOptions{Capabilities: caps.NewSet(constants.CapTCPConnect)})

	assert.True(t, e.Check(scopeID, CheckRequest{Capability: constants.CapTCPConnect}))
	assert.False(t, e.Check(scopeID, CheckRequest{Capability: constants.CapTCPListen}))
}

func TestCheckWithCapAllAllowsEverything(t *testing.T) {
	e := New()
	scopeID := e.CreateScope(ScopeOptions{Capabilities: caps.NewSet(constants.CapAll)})
	assert.True(t, e.Check(scopeID, CheckRequest{Capability: constants.CapDNSResolve}))
}

func TestCheckCallbackIsAuthoritative(t *testing.T) {
	e := New()
	scopeID := e.CreateScope(ScopeOptions{
		Capabilities: caps.NewSet(constants.CapAll),
		Policy: func(req CheckRequest) Decision {
			if req.Address == "10.0.0.1:80" {
				return Deny
			}
			return Allow
		},
	})

	assert.False(t, e.Check(scopeID, CheckRequest{Capability: constants.CapTCPConnect, Address: "10.0.0.1:80"}))
	assert.True(t, e.Check(scopeID, CheckRequest{Capability: constants.CapTCPConnect, Address: "10.0.0.2:80"}))
}

func TestCreateScopeIDsAreUnique(t *testing.T) {
	e := New()
	a := e.CreateScope(ScopeOptions{})
	b := e.CreateScope(ScopeOptions{})
	assert.NotEqual(t, a, b)
}
