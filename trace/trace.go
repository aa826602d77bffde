// Package trace implements the UDP/ICMP traceroute engine: step the
// outgoing TTL from 1 upward, send a UDP probe to the classic traceroute
// port at each step, and listen on a raw ICMP socket for the Time Exceeded
// (or, on the final hop, Destination Unreachable) reply that names the hop.
//
// Unlike the ping engine, the ICMP listener here is always a raw socket,
// never the unprivileged datagram variant: validating a reply means
// checking the leading IPv4 header byte (0x45), which only makes sense
// against a packet that still carries its IP header, so internal/icmpsock's
// macOS dispatch is not used here.
package trace

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/scyphus/netbench/internal/measerr"
	"github.com/scyphus/netbench/internal/netutil"
	"github.com/scyphus/netbench/internal/timebase"
)

// DestPort is the UDP destination port classic traceroute implementations
// probe, starting at 33434 and incrementing per hop in some variants; this
// engine keeps it fixed.
const DestPort = 33434

const probePayloadSize = 40

// ICMP message types a hop's reply is checked against, named via
// golang.org/x/net's ipv4/ipv6 constants rather than bare integer literals.
const (
	icmpTimeExceededV4    = byte(ipv4.ICMPTypeTimeExceeded)
	icmpDestUnreachableV4 = byte(ipv4.ICMPTypeDestinationUnreachable)
	icmpTimeExceededV6    = byte(ipv6.ICMPTypeTimeExceeded)
	icmpDestUnreachableV6 = byte(ipv6.ICMPTypeDestinationUnreachable)
)

// Item is one TTL's worth of traceroute state. Stat is -1 if the hop never
// answered within its timeout, 1 if a reply was received.
type Item struct {
	TTL   int
	Stat  int
	Sent  float64
	Recv  float64
	SAddr net.IP
}

// Result holds one Item per probed TTL, truncated at (and including) the hop
// whose source address equals the destination.
type Result struct {
	Items []Item
}

// Callback is invoked once per answered hop.
type Callback func(e *Engine, ttl int, saddr net.IP, rtt float64)

// Option configures an Engine at New time.
type Option func(*Engine)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is a traceroute engine. Unlike ping, it is not bound to one IP
// family at construction: Exec opens and closes its raw ICMP listener and
// UDP probe socket for the family passed to that call, so a single Engine
// can run IPv4 and IPv6 traces in turn.
type Engine struct {
	log *zap.Logger

	cancel   atomic.Bool
	callback Callback

	result *Result
}

// New constructs a traceroute engine. No sockets are opened until Exec runs.
func New(opts ...Option) *Engine {
	e := &Engine{log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetCallback installs the function invoked on each answered hop.
func (e *Engine) SetCallback(cb Callback) { e.callback = cb }

// Cancel requests that a running or future Exec stop after its current hop.
func (e *Engine) Cancel() { e.cancel.Store(true) }

// LastResult returns the result of the most recent successful Exec.
func (e *Engine) LastResult() *Result { return e.result }

// Close releases engine resources. Exec owns its sockets for the duration
// of a single run and closes them itself, so this is currently a no-op; it
// exists to give Engine the same acquire/release lifecycle as the other
// three engines.
func (e *Engine) Close() error { return nil }

func sockaddrFor(fam netutil.IPVersion, ip net.IP, port int) (unix.Sockaddr, error) {
	if fam == netutil.IPv4 {
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("trace: not an IPv4 address: %v", ip)
		}
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip4)
		sa.Port = port
		return &sa, nil
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("trace: not an IPv6 address: %v", ip)
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], ip16)
	sa.Port = port
	return &sa, nil
}

// validate reports whether data is a Time Exceeded or Destination
// Unreachable ICMP message for this engine's family: IPv4 replies carry
// their IP header (version/IHL byte 0x45, protocol byte 0x01, type at
// offset 20), IPv6 replies are the bare ICMPv6 message (type at offset 0).
func validate(data []byte, fam netutil.IPVersion) bool {
	if fam == netutil.IPv4 {
		if len(data) < 21 {
			return false
		}
		if data[0] != 0x45 || data[9] != 0x01 {
			return false
		}
		t := data[20]
		return t == icmpTimeExceededV4 || t == icmpDestUnreachableV4
	}
	if len(data) < 1 {
		return false
	}
	t := data[0]
	return t == icmpTimeExceededV6 || t == icmpDestUnreachableV6
}

// Exec opens a raw ICMP listener and a UDP probe socket for fam, probes
// TTLs 1..maxTTL toward target, records one Item per TTL, and closes both
// sockets before returning. It stops early (truncating the result) once a
// reply's source address equals the destination exactly, or if ctx is
// cancelled, in which case it returns the partial result successfully.
func (e *Engine) Exec(ctx context.Context, target string, fam netutil.IPVersion, maxTTL int, perHopTimeout time.Duration) error {
	if fam != netutil.IPv4 && fam != netutil.IPv6 {
		return fmt.Errorf("trace: %w: family must be IPv4 or IPv6", measerr.ErrSocket)
	}

	domain, err := fam.AddressFamily()
	if err != nil {
		return fmt.Errorf("trace: %w: %v", measerr.ErrSocket, err)
	}
	icmpProt, err := fam.ICMPProtoNum()
	if err != nil {
		return fmt.Errorf("trace: %w: %v", measerr.ErrSocket, err)
	}
	ttlLevel, ttlOpt, err := fam.TTLSockopt()
	if err != nil {
		return fmt.Errorf("trace: %w: %v", measerr.ErrSocket, err)
	}

	icmpFD, err := unix.Socket(domain, unix.SOCK_RAW, icmpProt)
	if err != nil {
		return fmt.Errorf("trace: %w: icmp socket: %v", measerr.ErrSocket, err)
	}
	defer unix.Close(icmpFD)

	probeFD, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("trace: %w: udp socket: %v", measerr.ErrSocket, err)
	}
	defer unix.Close(probeFD)

	network := "ip"
	if fam == netutil.IPv4 {
		network = "ip4"
	} else {
		network = "ip6"
	}
	dest, err := net.ResolveIPAddr(network, target)
	if err != nil {
		return fmt.Errorf("trace: %w: %v", measerr.ErrResolve, err)
	}

	sa, err := sockaddrFor(fam, dest.IP, DestPort)
	if err != nil {
		return fmt.Errorf("trace: %w: %v", measerr.ErrResolve, err)
	}

	result := &Result{}
	readBuf := make([]byte, 65536)

	for ttl := 1; ttl <= maxTTL; ttl++ {
		if e.cancel.Load() || ctx.Err() != nil {
			break
		}

		item := Item{TTL: ttl, Stat: -1}

		if err := unix.SetsockoptInt(probeFD, ttlLevel, ttlOpt, ttl); err != nil {
			return fmt.Errorf("trace: %w: set ttl: %v", measerr.ErrSocket, err)
		}
		time.Sleep(time.Millisecond)

		payload := make([]byte, probePayloadSize)
		for i := range payload {
			payload[i] = byte(i & 0xff)
		}

		item.Sent = timebase.Now()
		if err := unix.Sendto(probeFD, payload, 0, sa); err != nil {
			return fmt.Errorf("trace: %w: sendto: %v", measerr.ErrSocket, err)
		}

		deadline := time.Now().Add(perHopTimeout)
		var matched bool
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			tv := unix.NsecToTimeval(remaining.Nanoseconds())
			if err := unix.SetsockoptTimeval(icmpFD, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
				return fmt.Errorf("trace: %w: set recv timeout: %v", measerr.ErrSocket, err)
			}
			nr, from, err := unix.Recvfrom(icmpFD, readBuf, 0)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					break
				}
				return fmt.Errorf("trace: %w: recvfrom: %v", measerr.ErrSocket, err)
			}
			data := readBuf[:nr]
			if !validate(data, fam) {
				continue
			}

			saddr := fromIP(from)
			if netutil.OfAddr(fromAddr(from)) != fam {
				continue
			}

			item.Stat = 1
			item.SAddr = saddr
			item.Recv = timebase.Now()
			matched = true
			if e.callback != nil {
				e.callback(e, ttl, saddr, item.Recv-item.Sent)
			}
			break
		}

		result.Items = append(result.Items, item)

		if matched && item.SAddr != nil && item.SAddr.Equal(dest.IP) {
			break
		}
	}

	e.result = result
	return nil
}

func fromIP(sa unix.Sockaddr) net.IP {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return ip
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return ip
	}
	return nil
}

func fromAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: fromIP(a)}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: fromIP(a)}
	}
	return nil
}
