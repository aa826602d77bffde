// Package netutil holds small helpers shared by the probe engines: the
// IPVersion enum and the conversions needed to pick socket families, protocol
// numbers and TTL sockopts for a given version.
package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// IPVersion selects the IP family a probe engine operates over.
type IPVersion byte

// Values for IPVersion. Unspecified lets the connection helper pick whatever
// the resolver returns first.
const (
	Unspecified IPVersion = iota
	IPv4
	IPv6
)

func (v IPVersion) String() string {
	switch v {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	case Unspecified:
		return "unspecified"
	default:
		return fmt.Sprintf("(unknown:%d)", v)
	}
}

// AddressFamily returns the socket domain (AF_INET/AF_INET6) for v.
func (v IPVersion) AddressFamily() (int, error) {
	switch v {
	case IPv4:
		return unix.AF_INET, nil
	case IPv6:
		return unix.AF_INET6, nil
	default:
		return 0, fmt.Errorf("netutil: no address family for %v", v)
	}
}

// ICMPProtoNum returns the IP protocol number for ICMPv4 or ICMPv6.
func (v IPVersion) ICMPProtoNum() (int, error) {
	switch v {
	case IPv4:
		return unix.IPPROTO_ICMP, nil
	case IPv6:
		return unix.IPPROTO_ICMPV6, nil
	default:
		return 0, fmt.Errorf("netutil: no ICMP protocol for %v", v)
	}
}

// TTLSockopt returns the (level, option) pair used to set the outgoing
// TTL/hop-limit on a socket of this family.
func (v IPVersion) TTLSockopt() (level, opt int, err error) {
	switch v {
	case IPv4:
		return unix.IPPROTO_IP, unix.IP_TTL, nil
	case IPv6:
		return unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, nil
	default:
		return 0, 0, fmt.Errorf("netutil: no TTL sockopt for %v", v)
	}
}

// TCPNetwork returns the "tcp4"/"tcp6"/"tcp" network string net.Dial expects.
func (v IPVersion) TCPNetwork() string {
	switch v {
	case IPv4:
		return "tcp4"
	case IPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// UDPNetwork returns the "udp4"/"udp6"/"udp" network string net.Dial expects.
func (v IPVersion) UDPNetwork() string {
	switch v {
	case IPv4:
		return "udp4"
	case IPv6:
		return "udp6"
	default:
		return "udp"
	}
}

// OfAddr returns the IPVersion matching addr's IP.
func OfAddr(addr net.Addr) IPVersion {
	if IP(addr).To4() == nil {
		return IPv6
	}
	return IPv4
}

// IP extracts the net.IP carried by addr, regardless of concrete type.
func IP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	default:
		return nil
	}
}
