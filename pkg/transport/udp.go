package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// UDPMulticast is the production Transport: a UDPv4 socket bound to a
// multicast group, joined at construction, with the group address also
// used as the send destination (senders and receivers share one group,
// matching the protocol's ACK/NACK replies being visible to every
// member including the sender).
//
// net.ListenMulticastUDP handles simple listen-only multicast, but this
// CORE also needs to Send datagrams back out through the same joined
// socket (a sender transmitting DATA, a receiver replying with
// ACK/NACK). golang.org/x/net/ipv4 is the idiomatic way to join a
// group on a socket that is also used for sends.
type UDPMulticast struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	group   *net.UDPAddr
	readBuf []byte

	mu      sync.Mutex
	pending [][]byte // datagram consumed by WaitReadable, awaiting Recv
}

// NewUDPMulticast binds to addr:port, joins the multicast group at addr
// on the given interface (nil selects the default multicast interface),
// and returns a ready-to-use Transport.
func NewUDPMulticast(addr string, port int, iface *net.Interface) (*UDPMulticast, error) {
	group := &net.UDPAddr{IP: net.ParseIP(addr), Port: port}
	if group.IP == nil {
		return nil, errors.Errorf("transport: invalid multicast address %q", addr)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen udp4")
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, group); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "transport: join multicast group")
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "transport: set multicast loopback")
	}

	return &UDPMulticast{
		conn:    conn,
		pconn:   pconn,
		group:   group,
		readBuf: make([]byte, 2048),
	}, nil
}

// Send transmits data to the multicast group. Best-effort: nothing is
// retried, and a write error is returned wrapped to the caller.
func (t *UDPMulticast) Send(data []byte) error {
	_, err := t.conn.WriteToUDP(data, t.group)
	if err != nil {
		return errors.Wrap(err, "transport: send")
	}
	return nil
}

// Recv performs a non-blocking receive. Datagrams already pulled off
// the socket by WaitReadable are drained first, preserving arrival
// order, then a fresh read runs under a read deadline a moment in the
// future, so a datagram already queued on the socket is returned and an
// empty socket yields ErrWouldBlock almost at once. (A deadline already
// in the past would fail the read before the socket is even checked.)
func (t *UDPMulticast) Recv() ([]byte, error) {
	t.mu.Lock()
	if len(t.pending) > 0 {
		data := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		return data, nil
	}
	t.mu.Unlock()

	if err := t.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, errors.Wrap(err, "transport: set read deadline")
	}
	n, _, err := t.conn.ReadFromUDP(t.readBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrWouldBlock
		}
		return nil, errors.Wrap(err, "transport: recv")
	}
	out := make([]byte, n)
	copy(out, t.readBuf[:n])
	return out, nil
}

// WaitReadable blocks until a datagram arrives or deadline elapses. A
// UDP read cannot be peeked without consuming the message, so the
// datagram (if any) is read in full here and buffered for the next
// Recv call, preserving arrival order without data loss.
func (t *UDPMulticast) WaitReadable(deadline time.Duration) bool {
	t.mu.Lock()
	if len(t.pending) > 0 {
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()

	if err := t.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return false
	}
	n, _, err := t.conn.ReadFromUDP(t.readBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		return true // non-timeout error: let Recv surface it
	}
	out := make([]byte, n)
	copy(out, t.readBuf[:n])
	t.mu.Lock()
	t.pending = append(t.pending, out)
	t.mu.Unlock()
	return true
}

// Close releases the underlying socket. Idempotent.
func (t *UDPMulticast) Close() error {
	return t.conn.Close()
}
