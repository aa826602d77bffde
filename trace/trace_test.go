package trace

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scyphus/netbench/internal/netutil"
)

func TestValidateIPv4(t *testing.T) {
	ipHdr := []byte{0x45, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}
	ipHdr = append(ipHdr, make([]byte, 10)...)
	pkt := append(append([]byte{}, ipHdr...), 0x0b, 0, 0, 0)
	assert.True(t, validate(pkt, netutil.IPv4))

	pkt[20] = 0x08 // echo request, not time-exceeded/unreachable
	assert.False(t, validate(pkt, netutil.IPv4))
}

func TestValidateIPv6(t *testing.T) {
	assert.True(t, validate([]byte{3, 0, 0, 0}, netutil.IPv6))
	assert.True(t, validate([]byte{1, 0, 0, 0}, netutil.IPv6))
	assert.False(t, validate([]byte{128, 0, 0, 0}, netutil.IPv6))
}

// TestExecLoopbackTerminatesAtDestination checks that reaching the
// destination (here, the very first hop, since nothing routes loopback
// traffic onward) truncates the result to exactly that many items.
func TestExecLoopbackTerminatesAtDestination(t *testing.T) {
	e := New()
	defer e.Close()

	var hops []int
	e.SetCallback(func(_ *Engine, ttl int, _ net.IP, _ float64) {
		hops = append(hops, ttl)
	})

	err := e.Exec(context.Background(), "127.0.0.1", netutil.IPv4, 30, 500*time.Millisecond)
	if err != nil {
		t.Skipf("raw ICMP/UDP socket unavailable in this environment: %v", err)
	}

	res := e.LastResult()
	require.NotEmpty(t, res.Items)
	last := res.Items[len(res.Items)-1]
	require.Equal(t, 1, last.Stat)
	assert.True(t, last.SAddr.Equal(net.ParseIP("127.0.0.1")))
	assert.Len(t, res.Items, 1)
	assert.Equal(t, []int{1}, hops)
}
