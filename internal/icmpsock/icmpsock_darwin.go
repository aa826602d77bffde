//go:build darwin

package icmpsock

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/scyphus/netbench/internal/netutil"
)

// open creates the unprivileged SOCK_DGRAM ICMP socket macOS multiplexes by
// identifier. Reads never carry an IP header.
func open(fam netutil.IPVersion) (Conn, error) {
	domain, err := fam.AddressFamily()
	if err != nil {
		return nil, err
	}
	icmpProt, err := fam.ICMPProtoNum()
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, icmpProt)
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

	return &conn{PacketConn: pc, file: f, hasIPHeader: false, dgram: true}, nil
}
