// Package icmpsock opens the raw or unprivileged ICMP sockets the ping and
// traceroute engines listen on. Which kind of socket backs a Conn depends on
// the platform: Linux and BSD get a genuine SOCK_RAW ICMP socket (so reads
// carry the IPv4 header the engines must skip by hand), while macOS gets the
// unprivileged SOCK_DGRAM ICMP socket the kernel multiplexes by identifier
// (no IP header on read). Conn.HasIPHeader reports which one a caller got.
//
// Sockets are built directly on golang.org/x/sys/unix plus net.FilePacketConn
// rather than golang.org/x/net/icmp's ListenPacket, since the latter would
// parse and strip headers internally, hiding the manual header-skip step the
// ping and traceroute engines are required to perform themselves.
package icmpsock

import (
	"net"
	"os"
	"time"

	"github.com/scyphus/netbench/internal/netutil"
)

// Conn is an open ICMP socket.
type Conn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error

	// HasIPHeader reports whether bytes delivered to ReadFrom are prefixed
	// with an IPv4 header that the caller must skip before the ICMP
	// message begins.
	HasIPHeader() bool
}

type conn struct {
	net.PacketConn
	file        *os.File
	hasIPHeader bool
	dgram       bool
}

func (c *conn) HasIPHeader() bool { return c.hasIPHeader }

// WriteTo wrangles addr into the concrete net.Addr type the underlying
// FilePacketConn expects before writing: SOCK_RAW sockets come back from
// net.FilePacketConn as an IP-level conn wanting *net.IPAddr, while the
// SOCK_DGRAM ICMP socket macOS uses comes back wanting *net.UDPAddr. Callers
// only ever have a resolved net.IP to address, so this conversion is done
// here rather than asking callers to know which concrete type a given
// platform's Conn wants.
func (c *conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	ip := netutil.IP(addr)
	if ip == nil {
		return c.PacketConn.WriteTo(b, addr)
	}
	if c.dgram {
		return c.PacketConn.WriteTo(b, &net.UDPAddr{IP: ip})
	}
	return c.PacketConn.WriteTo(b, &net.IPAddr{IP: ip})
}

// Close closes both the dup'd packet connection and the underlying file
// descriptor FilePacketConn kept open; both must be released.
func (c *conn) Close() error {
	err := c.PacketConn.Close()
	if ferr := c.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// Open creates an ICMP socket for fam: a raw socket on every platform except
// macOS, and the unprivileged datagram variant on macOS. It does not fall
// back to the datagram variant when a raw socket cannot be created for lack
// of privileges; that case returns the socket error.
func Open(fam netutil.IPVersion) (Conn, error) {
	return open(fam)
}
