// Package socket provides the default net.UDPConn-backed implementation of
// relnet.Socket.
package socket

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"relnet-go"
)

// UDP wraps a *net.UDPConn as a relnet.Socket, using golang.org/x/net/ipv4
// and ipv6 to set the traffic class on outgoing datagrams (DSCP), the way
// a packet-scheduling-aware UDP transport configures its socket.
type UDP struct {
	conn  *net.UDPConn
	conn4 *ipv4.Conn
	conn6 *ipv6.Conn
	isV6  bool
}

// Listen binds a UDP socket at addr (an empty addr.Host means any
// interface) and
// returns it as a relnet.Socket ready to be handed to relnet.NewHost.
func Listen(addr Address) (*UDP, error) {
	conn, err := net.ListenUDP("udp", addr.udpAddr())
	if err != nil {
		return nil, errors.Wrapf(err, "relnet/socket: listen on %s:%d", addr.Host, addr.Port)
	}
	u := &UDP{conn: conn}
	if conn.LocalAddr().(*net.UDPAddr).IP.To4() == nil {
		u.isV6 = true
		u.conn6 = ipv6.NewConn(conn)
	} else {
		u.conn4 = ipv4.NewConn(conn)
	}
	return u, nil
}

// Address is a minimal host/port pair used only to bind the listening
// socket; it is independent of relnet.Address, which is wire-facing.
type Address struct {
	Host string
	Port int
}

func (a Address) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(a.Host), Port: a.Port}
}

// SetTrafficClass sets the DSCP/traffic-class byte on outgoing datagrams,
// mirroring the low-latency marking a game or voice transport applies to
// its UDP socket.
func (u *UDP) SetTrafficClass(tos int) error {
	if u.isV6 {
		return u.conn6.SetTrafficClass(tos)
	}
	return u.conn4.SetTOS(tos)
}

// Send implements relnet.Socket by gathering buffers into one contiguous
// write; net.UDPConn has no vectored write, so the gather happens here.
func (u *UDP) Send(addr relnet.Address, buffers [][]byte) (int, error) {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return u.conn.WriteToUDP(out, addr.UDPAddr())
}

// Receive implements relnet.Socket. A datagram larger than buf is reported
// as relnet.ErrDatagramTruncated, matching net.UDPConn's MSG_TRUNC-like
// silent truncation (Go's net package does not expose the flag, so a full
// buffer read is treated as possibly truncated only when it exactly fills
// buf, which callers size comfortably above the negotiated MTU).
func (u *UDP) Receive(buf []byte) (int, relnet.Address, error) {
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, relnet.Address{}, nil
		}
		return 0, relnet.Address{}, errors.Wrap(err, "relnet/socket: receive")
	}
	if n == len(buf) {
		return 0, relnet.Address{}, relnet.ErrDatagramTruncated
	}
	return n, relnet.AddressFromUDP(from), nil
}

// Wait blocks the next Receive call for up to timeout by setting a read
// deadline, since net.UDPConn has no select/poll primitive of its own.
func (u *UDP) Wait(timeout time.Duration) error {
	return u.conn.SetReadDeadline(time.Now().Add(timeout))
}

// Shutdown closes the underlying connection.
func (u *UDP) Shutdown() error {
	return u.conn.Close()
}
