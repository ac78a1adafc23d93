package transport

import (
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// DefaultPollTimeout is how long Receive waits for a datagram before
// reporting ErrNothingReceived.
const DefaultPollTimeout = time.Millisecond

// UDP is a Transport over a UDP socket.
type UDP struct {
	conn *net.UDPConn
	dest *net.UDPAddr

	// PollTimeout bounds how long Receive may block.
	PollTimeout time.Duration
}

var _ Transport = (*UDP)(nil)

// ListenUDP binds a UDP socket on all interfaces at the given port. Port 0
// picks any free port.
func ListenUDP(port int) (*UDP, error) {
	if port < 0 || port > 65535 {
		return nil, errors.Errorf("invalid port %d", port)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, errors.Wrapf(ErrPortInUse, "failed to bind port %d", port)
		}
		return nil, errors.Wrap(err, "failed to bind UDP socket")
	}

	return &UDP{
		conn:        conn,
		PollTimeout: DefaultPollTimeout,
	}, nil
}

// Resolve implements Transport.
func (u *UDP) Resolve(addr string) (net.Addr, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %q", addr)
	}
	return a, nil
}

// SetDestination implements Transport.
func (u *UDP) SetDestination(addr net.Addr) {
	if addr == nil {
		u.dest = nil
		return
	}
	if a, ok := addr.(*net.UDPAddr); ok {
		u.dest = a
		return
	}
	// Foreign address types are re-resolved from their string form.
	a, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		u.dest = nil
		return
	}
	u.dest = a
}

// Destination implements Transport.
func (u *UDP) Destination() net.Addr {
	if u.dest == nil {
		return nil
	}
	return u.dest
}

// Send implements Transport.
func (u *UDP) Send(b []byte) error {
	if u.dest == nil {
		return ErrNoDestination
	}
	return u.SendTo(b, u.dest)
}

// SendTo implements Transport.
func (u *UDP) SendTo(b []byte, addr net.Addr) error {
	if _, err := u.conn.WriteTo(b, addr); err != nil {
		return errors.Wrap(err, "failed to send datagram")
	}
	return nil
}

// Receive implements Transport.
func (u *UDP) Receive(buf []byte) (int, net.Addr, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(u.PollTimeout)); err != nil {
		return 0, nil, errors.Wrap(err, "failed to set read deadline")
	}

	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return 0, nil, ErrNothingReceived
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrClosed
		}
		return 0, nil, errors.Wrap(err, "failed to receive datagram")
	}

	return n, addr, nil
}

// LocalAddr implements Transport.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Close implements Transport.
func (u *UDP) Close() error {
	return u.conn.Close()
}
