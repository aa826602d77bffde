// Package httpget implements the HTTP GET throughput measurement engine: it
// issues a single GET over a raw TCP connection (no net/http — the engine
// needs per-byte timing, not a general HTTP client) and records a dense
// trace of how many bytes have been sent and received at each event, from
// connection start through to the end of the response body.
package httpget

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scyphus/netbench/internal/httphead"
	"github.com/scyphus/netbench/internal/measerr"
	"github.com/scyphus/netbench/internal/netconn"
	"github.com/scyphus/netbench/internal/netutil"
	"github.com/scyphus/netbench/internal/timebase"
	"github.com/scyphus/netbench/internal/urlutil"
)

const (
	connectTimeout   = 30 * time.Second
	readChunkSize    = 4096
	maxTruncatedLen  = 1024
	userAgent        = "NetBench/0.1"
	itemReserveUnit  = 4096
)

// Item is one timestamped send/receive event: t is the wall-clock time, tx
// is the cumulative number of request bytes written, rx is the cumulative
// number of response bytes read.
type Item struct {
	T  float64
	Tx int64
	Rx int64
}

// Result is the outcome of one Exec call.
type Result struct {
	HeaderLen  int
	ContentLen int64
	Items      []Item
}

// Callback is invoked once after the response header is parsed and then
// repeatedly (at most every callback frequency) as the body streams in, plus
// once more with the final item when the run ends.
type Callback func(e *Engine, headerLen int, contentLen int64, tStart, tNow float64, tx, rx int64)

// Option configures an Engine at New time.
type Option func(*Engine)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is a GET measurement engine tagged with a measurement ID sent as
// the X-Measurement-Id request header.
type Engine struct {
	measurementID string
	log           *zap.Logger

	cancel   atomic.Bool
	callback Callback
	cbFreq   time.Duration

	result *Result
}

// New creates a GET engine tagged with measurementID.
func New(measurementID string, opts ...Option) *Engine {
	e := &Engine{measurementID: measurementID, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetCallback installs the function invoked during streaming, throttled to
// at most once per freq.
func (e *Engine) SetCallback(cb Callback, freq time.Duration) {
	e.callback = cb
	e.cbFreq = freq
}

// Cancel requests that a running or future Exec stop after its current read.
func (e *Engine) Cancel() { e.cancel.Store(true) }

// LastResult returns the result of the most recent successful Exec.
func (e *Engine) LastResult() *Result { return e.result }

func truncate(s string) string {
	if len(s) > maxTruncatedLen {
		return s[:maxTruncatedLen]
	}
	return s
}

func buildRequestURI(u urlutil.ParsedURL) string {
	uri := "/" + u.Path
	if u.Query != "" {
		uri += "?" + u.Query
	}
	return truncate(uri)
}

// scanHeaderEnd returns the offset just past the first blank-line header
// terminator ("\r\n\r\n" or "\n\n") in buf, or -1 if none is present yet.
func scanHeaderEnd(buf []byte) int {
	if i := strings.Index(string(buf), "\r\n\r\n"); i >= 0 {
		return i + 4
	}
	if i := strings.Index(string(buf), "\n\n"); i >= 0 {
		return i + 2
	}
	return -1
}

// Exec issues one GET to rawURL (which must use the "http" scheme) over fam,
// streaming the response body for up to duration before returning.
func (e *Engine) Exec(ctx context.Context, rawURL string, fam netutil.IPVersion, duration time.Duration) error {
	u, err := urlutil.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("httpget: %w: %v", measerr.ErrResolve, err)
	}
	if !strings.EqualFold(u.Scheme, "http") {
		return fmt.Errorf("httpget: %w: unsupported scheme %q", measerr.ErrProtocolMismatch, u.Scheme)
	}
	port := u.Port
	if port == "" {
		port = "80"
	}

	conn, err := netconn.DialStream(ctx, u.Host, port, fam, connectTimeout)
	if err != nil {
		return fmt.Errorf("httpget: %w: %v", measerr.ErrSocket, err)
	}
	defer conn.Close()

	uri := buildRequestURI(u)
	host := truncate(u.Host)

	req := fmt.Sprintf(
		"GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nX-Measurement-Id: %s\r\nConnection: close\r\n\r\n",
		uri, host, userAgent, e.measurementID,
	)

	result := &Result{Items: make([]Item, 0, itemReserveUnit)}

	t0 := timebase.Now()
	result.Items = append(result.Items, Item{T: t0, Tx: 0, Rx: 0})

	n, err := conn.Write([]byte(req))
	if err != nil || n < len(req) {
		return fmt.Errorf("httpget: %w: short write sending request", measerr.ErrSocket)
	}
	tx := int64(n)

	hdrBuf, prefetchLen, err := e.readHeader(conn)
	if err != nil {
		return err
	}

	header, err := httphead.Parse(hdrBuf)
	if err != nil {
		return fmt.Errorf("httpget: %w: %v", measerr.ErrProtocolMismatch, err)
	}

	rx := int64(len(hdrBuf))
	result.HeaderLen = len(hdrBuf) - prefetchLen
	result.ContentLen = header.ContentLength()

	t1 := timebase.Now()
	result.Items = append(result.Items, Item{T: t1, Tx: tx, Rx: rx})
	if e.callback != nil {
		e.callback(e, result.HeaderLen, result.ContentLen, t0, t1, tx, rx)
	}

	sometimes := &rate.Sometimes{Interval: e.cbFreq}
	chunk := make([]byte, readChunkSize)
	for {
		if e.cancel.Load() {
			break
		}
		if timebase.Now()-t0 > duration.Seconds() {
			break
		}

		nr, rerr := conn.Read(chunk)
		if nr > 0 {
			rx += int64(nr)
			now := timebase.Now()
			result.Items = append(result.Items, Item{T: now, Tx: tx, Rx: rx})
			if e.callback != nil {
				sometimes.Do(func() { e.callback(e, result.HeaderLen, result.ContentLen, t0, now, tx, rx) })
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			if isTimeoutErr(rerr) {
				break
			}
			return fmt.Errorf("httpget: %w: %v", measerr.ErrSocket, rerr)
		}
	}

	if e.callback != nil && len(result.Items) > 0 {
		last := result.Items[len(result.Items)-1]
		e.callback(e, result.HeaderLen, result.ContentLen, t0, last.T, last.Tx, last.Rx)
	}

	e.result = result
	return nil
}

// readHeader reads from conn in fixed-size chunks until the header-ending
// blank line is found, returning the full bytes read so far (header plus any
// prefetched body bytes) and the length of that prefetch tail.
func (e *Engine) readHeader(conn net.Conn) (buf []byte, prefetchLen int, err error) {
	chunk := make([]byte, readChunkSize)
	for {
		n, rerr := conn.Read(chunk)
		if n <= 0 {
			return nil, 0, fmt.Errorf("httpget: %w: timed out reading response header", measerr.ErrTimeout)
		}
		buf = append(buf, chunk[:n]...)
		if end := scanHeaderEnd(buf); end >= 0 {
			return buf, len(buf) - end, nil
		}
		if rerr != nil {
			return nil, 0, fmt.Errorf("httpget: %w: %v", measerr.ErrSocket, rerr)
		}
	}
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	return false
}
