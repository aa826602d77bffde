// Package netconn opens the TCP stream connections the HTTP engines run
// over. It resolves host/service to candidate addresses and connects to the
// first one that accepts, using net.Dialer's candidate iteration instead of
// a hand-rolled getaddrinfo loop.
package netconn

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/scyphus/netbench/internal/netutil"
)

// DialStream resolves host (and the numeric or named service) for the given
// IP family and connects to the first reachable candidate, applying timeout
// as both the dial deadline and the connection's subsequent read deadline.
// Ping and traceroute do not use this helper — they operate on raw/datagram
// sockets directly — only the HTTP GET and POST engines dial through it.
//
// host may carry urlutil's bracketed IPv6 literal form ("[::1]"); it is
// unbracketed here since net.JoinHostPort adds its own brackets and would
// otherwise double them.
func DialStream(ctx context.Context, host, service string, fam netutil.IPVersion, timeout time.Duration) (net.Conn, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	network := fam.TCPNetwork()

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(host, service))
	if err != nil {
		return nil, fmt.Errorf("netconn: dial %s %s: %w", network, net.JoinHostPort(host, service), err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netconn: set read deadline: %w", err)
	}

	return conn, nil
}
