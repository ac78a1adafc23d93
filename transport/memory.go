package transport

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// MemoryAddr is the address of an endpoint on a Network.
type MemoryAddr string

// Network implements net.Addr.
func (a MemoryAddr) Network() string { return "memory" }

// String implements net.Addr.
func (a MemoryAddr) String() string { return string(a) }

// DropFunc decides whether a datagram sent from one endpoint to another is
// lost. It is called with the network lock held.
type DropFunc func(from, to MemoryAddr, b []byte) bool

// Network is an in-process datagram network. Endpoints are named; sending to
// a name nobody listens on silently loses the datagram, as UDP would.
type Network struct {
	mu        sync.Mutex
	endpoints map[MemoryAddr]*Memory
	drop      DropFunc
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[MemoryAddr]*Memory)}
}

// SetDrop installs a loss hook. A nil hook delivers everything.
func (n *Network) SetDrop(f DropFunc) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

// Listen binds a new endpoint under the given name.
func (n *Network) Listen(name string) (*Memory, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := MemoryAddr(name)
	if _, ok := n.endpoints[addr]; ok {
		return nil, errors.Wrapf(ErrPortInUse, "failed to bind %q", name)
	}

	m := &Memory{network: n, addr: addr}
	n.endpoints[addr] = m
	return m, nil
}

func (n *Network) deliver(from, to MemoryAddr, b []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	src, ok := n.endpoints[from]
	if !ok || src.closed {
		return ErrClosed
	}

	if n.drop != nil && n.drop(from, to, b) {
		return nil
	}

	dst, ok := n.endpoints[to]
	if !ok {
		return nil
	}

	dst.queue = append(dst.queue, datagram{
		from: from,
		data: append([]byte(nil), b...),
	})
	return nil
}

type datagram struct {
	from MemoryAddr
	data []byte
}

// Memory is a Transport endpoint on a Network.
type Memory struct {
	network *Network
	addr    MemoryAddr
	dest    net.Addr
	queue   []datagram
	closed  bool
}

var _ Transport = (*Memory)(nil)

// Resolve implements Transport. Any non-empty name resolves.
func (m *Memory) Resolve(addr string) (net.Addr, error) {
	if addr == "" {
		return nil, errors.New("failed to resolve empty address")
	}
	return MemoryAddr(addr), nil
}

// SetDestination implements Transport.
func (m *Memory) SetDestination(addr net.Addr) {
	m.dest = addr
}

// Destination implements Transport.
func (m *Memory) Destination() net.Addr {
	return m.dest
}

// Send implements Transport.
func (m *Memory) Send(b []byte) error {
	if m.dest == nil {
		return ErrNoDestination
	}
	return m.SendTo(b, m.dest)
}

// SendTo implements Transport.
func (m *Memory) SendTo(b []byte, addr net.Addr) error {
	if len(b) > MaxDatagramSize {
		return errors.Errorf("datagram of %d bytes exceeds %d", len(b), MaxDatagramSize)
	}
	return m.network.deliver(m.addr, MemoryAddr(addr.String()), b)
}

// Receive implements Transport.
func (m *Memory) Receive(buf []byte) (int, net.Addr, error) {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	if m.closed {
		return 0, nil, ErrClosed
	}
	if len(m.queue) == 0 {
		return 0, nil, ErrNothingReceived
	}

	d := m.queue[0]
	m.queue = m.queue[1:]

	// Datagrams larger than buf are truncated like a short UDP read.
	n := copy(buf, d.data)
	return n, d.from, nil
}

// Pending returns the number of datagrams waiting to be received.
func (m *Memory) Pending() int {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	return len(m.queue)
}

// LocalAddr implements Transport.
func (m *Memory) LocalAddr() net.Addr {
	return m.addr
}

// Close implements Transport. The name becomes available for Listen again.
func (m *Memory) Close() error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.queue = nil
	delete(m.network.endpoints, m.addr)
	return nil
}
