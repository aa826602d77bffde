// Package ping implements the ICMP echo probe engine: a single-threaded,
// cooperative send/receive loop that times round trips to one target over a
// fixed number of echo requests at a fixed interval.
//
// The engine builds and parses ICMP Echo messages by hand (type, code,
// checksum, identifier, sequence) rather than through golang.org/x/net/icmp's
// Message/Marshal helpers, and drives its own poll-deadline loop rather than
// a channel-based send/receive pair, to match the single-threaded
// cooperative model measurement callers expect: one engine, one goroutine,
// one retained result at a time.
package ping

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scyphus/netbench/internal/checksum"
	"github.com/scyphus/netbench/internal/icmpsock"
	"github.com/scyphus/netbench/internal/measerr"
	"github.com/scyphus/netbench/internal/netutil"
	"github.com/scyphus/netbench/internal/timebase"
)

const (
	icmpEchoRequestV4 = 8
	icmpEchoReplyV4   = 0
	icmpEchoRequestV6 = 128
	icmpEchoReplyV6   = 129

	readBufSize = 65536
)

// Item is one sequence number's worth of ping state. Stat is -1 if the probe
// was never sent, 0 if it was sent but never answered, and a positive reply
// count otherwise (normally 1; duplicate replies push it higher).
type Item struct {
	Stat  int
	Ident int
	Sent  float64
	Recv  float64
}

// Result is the outcome of one Exec call, one Item per sequence number in
// send order.
type Result struct {
	Items []Item
}

// Callback is invoked once per matched reply with the sequence number and
// round-trip time in seconds.
type Callback func(e *Engine, seq int, rtt float64)

// Option configures an Engine at Open time.
type Option func(*Engine)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is an ICMP probe engine bound to one IP family and socket. Create
// one with Open, run probes with Exec, and release it with Close. Exec calls
// on the same Engine must be serialized by the caller; only one Exec may run
// at a time.
type Engine struct {
	fam  netutil.IPVersion
	conn icmpsock.Conn
	log  *zap.Logger

	cancel   atomic.Bool
	callback Callback

	result *Result
}

// Open creates an ICMP socket for fam (IPv4 or IPv6; Unspecified is invalid
// here since the wire format differs per family) and returns an Engine ready
// for Exec.
func Open(fam netutil.IPVersion, opts ...Option) (*Engine, error) {
	if fam != netutil.IPv4 && fam != netutil.IPv6 {
		return nil, fmt.Errorf("ping: %w: family must be IPv4 or IPv6", measerr.ErrSocket)
	}
	conn, err := icmpsock.Open(fam)
	if err != nil {
		return nil, fmt.Errorf("ping: %w: %v", measerr.ErrSocket, err)
	}
	e := &Engine{fam: fam, conn: conn, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetCallback installs the function invoked on each matched reply.
func (e *Engine) SetCallback(cb Callback) { e.callback = cb }

// Cancel requests that a running or future Exec stop after its current
// iteration and return its partial result successfully.
func (e *Engine) Cancel() { e.cancel.Store(true) }

// LastResult returns the result of the most recent successful Exec, or nil
// if none has completed yet.
func (e *Engine) LastResult() *Result { return e.result }

// Close releases the engine's socket. The engine must not be used afterward.
func (e *Engine) Close() error {
	return e.conn.Close()
}

func echoTypes(fam netutil.IPVersion) (request, reply byte) {
	if fam == netutil.IPv6 {
		return icmpEchoRequestV6, icmpEchoReplyV6
	}
	return icmpEchoRequestV4, icmpEchoReplyV4
}

func resolveTarget(target string, fam netutil.IPVersion) (*net.IPAddr, error) {
	network := "ip"
	if fam == netutil.IPv4 {
		network = "ip4"
	} else if fam == netutil.IPv6 {
		network = "ip6"
	}
	addr, err := net.ResolveIPAddr(network, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", measerr.ErrResolve, err)
	}
	return addr, nil
}

func buildEcho(fam netutil.IPVersion, ident, seq uint16, payloadSize int) []byte {
	reqType, _ := echoTypes(fam)
	pkt := make([]byte, 8+payloadSize)
	pkt[0] = reqType
	pkt[1] = 0
	binary.BigEndian.PutUint16(pkt[4:6], ident)
	binary.BigEndian.PutUint16(pkt[6:8], seq)
	for i := 0; i < payloadSize; i++ {
		pkt[8+i] = byte(i % 255)
	}
	sum := checksum.Internet(pkt)
	binary.LittleEndian.PutUint16(pkt[2:4], sum)
	return pkt
}

// Exec sends n echo requests of payloadSize bytes each, interval apart,
// to target, waiting for outstanding replies until n*interval + timeout
// has elapsed since the run started. It returns an error only for run-level failures (resolution,
// socket I/O); unanswered probes are recorded in the result, not returned as
// an error. On success (including a cancelled or ctx-cancelled, partial
// run) the result replaces any previous retained result.
func (e *Engine) Exec(ctx context.Context, target string, payloadSize, n int, interval, timeout time.Duration) error {
	addr, err := resolveTarget(target, e.fam)
	if err != nil {
		return err
	}

	result := &Result{Items: make([]Item, n)}
	for i := range result.Items {
		result.Items[i] = Item{Stat: -1}
	}

	_, echoReply := echoTypes(e.fam)

	intervalS := interval.Seconds()
	timeoutS := timeout.Seconds()

	t0 := timebase.Now()
	sent := 0
	received := 0
	buf := make([]byte, readBufSize)

	for {
		if e.cancel.Load() || ctx.Err() != nil {
			break
		}
		if received >= n {
			break
		}

		now := timebase.Now()

		if sent < n && intervalS*float64(sent) < now-t0 {
			ident := uint16(rand.Intn(1 << 16))
			pkt := buildEcho(e.fam, ident, uint16(sent), payloadSize)
			result.Items[sent].Ident = int(ident)
			if _, err := e.conn.WriteTo(pkt, addr); err != nil {
				e.log.Debug("ping: send failed", zap.Int("seq", sent), zap.Error(err))
			} else {
				result.Items[sent].Stat = 0
				result.Items[sent].Sent = timebase.Now()
			}
			sent++
			continue
		}

		var gto float64
		if sent < n {
			gto = intervalS*float64(sent) - (now - t0)
		} else {
			gto = intervalS*float64(n) - (now - t0) + timeoutS
		}
		if gto < 0 {
			gto = 0
		}

		if sent >= n && intervalS*float64(n)+timeoutS < now-t0 {
			break
		}

		if err := e.conn.SetReadDeadline(time.Now().Add(time.Duration(gto * float64(time.Second)))); err != nil {
			return fmt.Errorf("ping: %w: %v", measerr.ErrSocket, err)
		}

		nr, raddr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			return fmt.Errorf("ping: %w: %v", measerr.ErrSocket, err)
		}

		data := buf[:nr]
		if !netutil.IP(raddr).Equal(addr.IP) {
			continue
		}
		if e.fam == netutil.IPv4 && e.conn.HasIPHeader() {
			if len(data) < 1 {
				continue
			}
			ihl := int(data[0]&0x0f) * 4
			if len(data) < ihl {
				continue
			}
			data = data[ihl:]
		}
		if len(data) < 8 {
			continue
		}
		if data[0] != echoReply || data[1] != 0 {
			continue
		}
		gotIdent := binary.BigEndian.Uint16(data[4:6])
		seq := binary.BigEndian.Uint16(data[6:8])
		if int(seq) >= n || int(gotIdent) != result.Items[seq].Ident {
			continue
		}

		recvTime := timebase.Now()
		item := &result.Items[seq]
		if item.Stat <= 0 {
			received++
		}
		if item.Stat < 0 {
			item.Stat = 1
		} else {
			item.Stat++
		}
		item.Recv = recvTime
		if e.callback != nil {
			e.callback(e, int(seq), recvTime-item.Sent)
		}
	}

	e.result = result
	return nil
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	return false
}
