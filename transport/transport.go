// Package transport defines the best-effort datagram transport used by atolla
// sources and sinks, along with a UDP implementation and an in-memory network
// for tests.
package transport

import (
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrNothingReceived is returned by Receive when no datagram is pending.
	// It is not a failure.
	ErrNothingReceived = errors.New("nothing received")
	// ErrPortInUse is returned when binding to a port that is already bound.
	ErrPortInUse = errors.New("port already in use")
	// ErrNoDestination is returned by Send when no destination is set.
	ErrNoDestination = errors.New("no destination set")
	// ErrClosed is returned when using a closed transport.
	ErrClosed = errors.New("transport closed")
)

// MaxDatagramSize is the largest datagram a transport is expected to carry.
const MaxDatagramSize = 65535

// Transport is a bound, unreliable datagram endpoint. Every datagram is
// delivered whole or not at all, possibly duplicated and in any order.
// Implementations are exclusively owned by one engine.
type Transport interface {
	// Resolve turns a textual address into one usable as a destination.
	Resolve(addr string) (net.Addr, error)
	// SetDestination sets the address Send transmits to. A nil address clears
	// it.
	SetDestination(addr net.Addr)
	// Destination returns the current destination, or nil.
	Destination() net.Addr
	// Send transmits b to the destination without blocking.
	Send(b []byte) error
	// SendTo transmits b to the given address without blocking.
	SendTo(b []byte, addr net.Addr) error
	// Receive copies the next pending datagram into buf. If nothing is pending,
	// ErrNothingReceived is returned.
	Receive(buf []byte) (int, net.Addr, error)
	// LocalAddr returns the bound address.
	LocalAddr() net.Addr
	// Close releases the endpoint.
	Close() error
}

// SameAddr reports whether two addresses refer to the same endpoint.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
