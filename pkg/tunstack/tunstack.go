// Package tunstack provides a small public surface for reusing this
// repository as a library. The implementation lives in internal/ and may
// change without notice.
package tunstack

import (
	"go.uber.org/zap"

	"tunstack/internal"
)

// --- Construction (§6) ---

type Options = internal.Options

// Facade owns the engine, the TCP listener, and the UDP endpoint for one
// stack instance (§4.H).
type Facade = internal.Facade

// New builds a Facade: one engine handle, one TCP listener, one UDP
// endpoint, sharing a single Engine Lock.
func New(opts Options) (*Facade, error) { return internal.New(opts) }

// --- Stack surface (§6) ---

// Stack is the engine handle: one virtual NIC, one Inbound Pump, one
// Outbound Queue.
type Stack = internal.Stack

// Frame is one complete IP packet (v4 or v6), no link-layer framing.
type Frame = internal.Frame

// Addr is an IP address plus port.
type Addr = internal.Addr

// --- TCP (§4.E, §4.F) ---

// Listener is the wildcard TCP listener: every inbound SYN is accepted
// regardless of destination address or port.
type Listener = internal.Listener

type Connection = internal.Connection

// --- UDP (§4.G) ---

type UDPEndpoint = internal.UDPEndpoint
type Datagram = internal.Datagram

// --- Errors (§7) ---

type ErrorKind = internal.ErrorKind

const (
	ErrUnknown           = internal.ErrUnknown
	ErrConnectionReset   = internal.ErrConnectionReset
	ErrConnectionRefused = internal.ErrConnectionRefused
	ErrConnectionAborted = internal.ErrConnectionAborted
	ErrClosedRemotely    = internal.ErrClosedRemotely
	ErrIO                = internal.ErrIO
	ErrCapacity          = internal.ErrCapacity
)

// ErrStackClosed is returned once a Stack, Listener, or UDPEndpoint has
// been shut down.
var ErrStackClosed = internal.ErrStackClosed

// NewLogger is a convenience constructor so callers don't need to import
// zap themselves just to pass a Logger into Options.
func NewLogger(l *zap.Logger) *zap.SugaredLogger { return l.Sugar() }
