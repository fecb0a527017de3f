package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// PacketConn is the subset of *net.UDPConn the sync sockets use.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// ListenFunc opens a UDP socket bound to addr. broadcast enables SO_BROADCAST.
type ListenFunc func(ctx context.Context, addr netip.AddrPort, broadcast bool) (PacketConn, error)

// ListenUDP binds a UDP socket with SO_REUSEADDR (and SO_BROADCAST when asked).
func ListenUDP(ctx context.Context, addr netip.AddrPort, broadcast bool) (PacketConn, error) {
	network := "udp4"
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		network = "udp6"
	}
	lc := net.ListenConfig{Control: socketControl(broadcast)}
	pc, err := lc.ListenPacket(ctx, network, addr.String())
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listen %s: unexpected conn type %T", addr, pc)
	}
	return conn, nil
}

// BoundAddr returns the local address of conn, or the zero value.
func BoundAddr(conn PacketConn) netip.AddrPort {
	if conn == nil {
		return netip.AddrPort{}
	}
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

// OutboundAddr returns the local address the kernel would use to reach dst.
// No packet is sent. Loopback is returned when no route exists.
func OutboundAddr(dst netip.AddrPort) netip.Addr {
	if dst.Addr().IsLoopback() {
		return dst.Addr().Unmap()
	}
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		return netip.MustParseAddr("127.0.0.1")
	}
	defer conn.Close()
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if a, ok := netip.AddrFromSlice(ua.IP); ok {
			return a.Unmap()
		}
	}
	return netip.MustParseAddr("127.0.0.1")
}
