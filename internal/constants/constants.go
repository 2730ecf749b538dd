// Package constants holds the frozen tag enums referenced across the
// kernel: capability tags, defaults, and port ranges. Nothing here is
// mutable; treat every slice/map as read-only.
package constants

import "time"

// Capability is one of the closed set of capability tags a tenant or scope
// may be granted.
type Capability string

const (
	CapNet    Capability = "net"
	CapFS     Capability = "fs"
	CapClock  Capability = "clock"
	CapRNG    Capability = "rng"
	CapIPC    Capability = "ipc"
	CapStdio  Capability = "stdio"
	CapTrace  Capability = "trace"
	CapChaos  Capability = "chaos"
	CapEnv    Capability = "env"
	CapSignal Capability = "signal"
	CapAll    Capability = "*"
)

// Network capabilities used by ScopedNetwork, in addition to the tags above.
const (
	CapTCPConnect Capability = "tcp:connect"
	CapTCPListen  Capability = "tcp:listen"
	CapUDPSend    Capability = "udp:send"
	CapUDPBind    Capability = "udp:bind"
	CapDNSResolve Capability = "dns:resolve"
	CapLoopback   Capability = "loopback"
)

// Signal names recognized by the SignalController.
const (
	SignalTerm = "TERM"
	SignalInt  = "INT"
	SignalHup  = "HUP"
)

// Defaults, per spec §6.5.
const (
	DefaultResourceTableMax   = 4096
	DefaultHighWaterMark      = 1024
	DefaultRingBufferCapacity = 1024
	DefaultOperationQueueMax  = 256
	DefaultDrainTimeout       = 10 * time.Second
	DefaultAcceptQueueMax     = 128
	DefaultGatewayOpTimeout   = 30 * time.Second

	EphemeralPortLow  = 49152
	EphemeralPortHigh = 65535
)
