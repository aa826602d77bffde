//go:build !darwin

package icmpsock

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/scyphus/netbench/internal/netutil"
)

// open creates a SOCK_RAW ICMP socket. IPv4 raw sockets deliver the IP
// header along with the ICMP message on read; IPv6 raw sockets deliver only
// the ICMPv6 message, so hasIPHeader is set accordingly.
func open(fam netutil.IPVersion) (Conn, error) {
	domain, err := fam.AddressFamily()
	if err != nil {
		return nil, err
	}
	icmpProt, err := fam.ICMPProtoNum()
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_RAW, icmpProt)
	if err != nil {
		return nil, fmt.Errorf("icmpsock: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("icmpsock: set nonblocking: %w", err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("icmp:%v", fam))
	pc, err := net.FilePacketConn(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("icmpsock: file packet conn: %w", err)
	}

	return &conn{PacketConn: pc, file: f, hasIPHeader: fam == netutil.IPv4, dgram: false}, nil
}
