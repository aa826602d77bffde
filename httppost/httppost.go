// Package httppost implements the HTTP POST throughput measurement engine:
// it streams a synthesized body of a caller-chosen size to the target over
// a raw TCP connection, then reads and parses the response the same way
// httpget does.
//
// The upload loop streams the body in fixed-size chunks, recording one item
// per successful write; everything after the body is sent follows httpget's
// header-read/parse path, through this package's own copy of it.
package httppost

import (
	"context"
	"fmt"
	"io"
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
	connectTimeout  = 30 * time.Second
	readChunkSize   = 4096
	maxTruncatedLen = 1024
	userAgent       = "NetBench/0.1"
	itemReserveUnit = 4096
	writeChunkSize  = 4096
)

// Item is one timestamped event during the upload or response phase.
// BufferedTx is the number of body bytes handed to the kernel so far (the
// write call returned successfully); Tx is the number of bytes the peer has
// acknowledged reading, which this engine — lacking a way to observe TCP
// acks directly — treats as equal to BufferedTx once the corresponding
// write call returns.
type Item struct {
	T          float64
	BufferedTx int64
	Tx         int64
	Rx         int64
}

// Result is the outcome of one Exec call.
type Result struct {
	HeaderLen  int
	ContentLen int64
	Items      []Item
}

// Callback is invoked during upload and response streaming.
type Callback func(e *Engine, headerLen int, contentLen int64, tStart, tNow float64, bufferedTx, tx, rx int64)

// Option configures an Engine at New time.
type Option func(*Engine)

// WithLogger attaches a structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is a POST measurement engine tagged with a measurement ID.
type Engine struct {
	measurementID string
	log           *zap.Logger

	cancel   atomic.Bool
	callback Callback
	cbFreq   time.Duration

	result *Result
}

// New creates a POST engine tagged with measurementID.
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

// Cancel requests that a running or future Exec stop after its current step.
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

func scanHeaderEnd(buf []byte) int {
	if i := strings.Index(string(buf), "\r\n\r\n"); i >= 0 {
		return i + 4
	}
	if i := strings.Index(string(buf), "\n\n"); i >= 0 {
		return i + 2
	}
	return -1
}

func synthesizeBody(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 255)
	}
	return b
}

// Exec POSTs a synthesized body of size bytes to rawURL over fam, streaming
// upload progress for up to duration before reading and parsing the
// response.
func (e *Engine) Exec(ctx context.Context, rawURL string, fam netutil.IPVersion, size int, duration time.Duration) error {
	u, err := urlutil.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("httppost: %w: %v", measerr.ErrResolve, err)
	}
	if !strings.EqualFold(u.Scheme, "http") {
		return fmt.Errorf("httppost: %w: unsupported scheme %q", measerr.ErrProtocolMismatch, u.Scheme)
	}
	port := u.Port
	if port == "" {
		port = "80"
	}

	conn, err := netconn.DialStream(ctx, u.Host, port, fam, connectTimeout)
	if err != nil {
		return fmt.Errorf("httppost: %w: %v", measerr.ErrSocket, err)
	}
	defer conn.Close()

	uri := buildRequestURI(u)
	host := truncate(u.Host)

	reqHeader := fmt.Sprintf(
		"POST %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nX-Measurement-Id: %s\r\nContent-Type: application/octet-stream\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		uri, host, userAgent, e.measurementID, size,
	)

	result := &Result{Items: make([]Item, 0, itemReserveUnit)}

	t0 := timebase.Now()
	result.Items = append(result.Items, Item{T: t0})

	hn, err := conn.Write([]byte(reqHeader))
	if err != nil || hn < len(reqHeader) {
		return fmt.Errorf("httppost: %w: short write sending request headers", measerr.ErrSocket)
	}

	body := synthesizeBody(size)
	var bufferedTx, tx int64
	sometimes := &rate.Sometimes{Interval: e.cbFreq}

	for off := 0; off < len(body); {
		if e.cancel.Load() {
			break
		}
		if timebase.Now()-t0 > duration.Seconds() {
			break
		}

		end := off + writeChunkSize
		if end > len(body) {
			end = len(body)
		}

		n, werr := conn.Write(body[off:end])
		if n < 0 {
			return fmt.Errorf("httppost: %w: write failed", measerr.ErrSocket)
		}
		if n == 0 {
			break
		}

		bufferedTx += int64(n)
		tx += int64(n)
		off += n

		now := timebase.Now()
		result.Items = append(result.Items, Item{T: now, BufferedTx: bufferedTx, Tx: tx})
		if e.callback != nil {
			sometimes.Do(func() { e.callback(e, 0, -1, t0, now, bufferedTx, tx, 0) })
		}

		if werr != nil {
			break
		}
	}

	hdrBuf, prefetchLen, err := e.readHeader(conn)
	if err != nil {
		return err
	}

	header, err := httphead.Parse(hdrBuf)
	if err != nil {
		return fmt.Errorf("httppost: %w: %v", measerr.ErrProtocolMismatch, err)
	}

	rx := int64(len(hdrBuf))
	result.HeaderLen = len(hdrBuf) - prefetchLen
	result.ContentLen = header.ContentLength()

	t1 := timebase.Now()
	result.Items = append(result.Items, Item{T: t1, BufferedTx: bufferedTx, Tx: tx, Rx: rx})
	if e.callback != nil {
		e.callback(e, result.HeaderLen, result.ContentLen, t0, t1, bufferedTx, tx, rx)
	}

	chunk := make([]byte, readChunkSize)
	for {
		nr, rerr := conn.Read(chunk)
		if nr > 0 {
			rx += int64(nr)
			now := timebase.Now()
			result.Items = append(result.Items, Item{T: now, BufferedTx: bufferedTx, Tx: tx, Rx: rx})
			if e.callback != nil {
				sometimes.Do(func() { e.callback(e, result.HeaderLen, result.ContentLen, t0, now, bufferedTx, tx, rx) })
			}
		}
		if rerr != nil {
			if rerr == io.EOF || isTimeoutErr(rerr) {
				break
			}
			return fmt.Errorf("httppost: %w: %v", measerr.ErrSocket, rerr)
		}
	}

	if e.callback != nil && len(result.Items) > 0 {
		last := result.Items[len(result.Items)-1]
		e.callback(e, result.HeaderLen, result.ContentLen, t0, last.T, last.BufferedTx, last.Tx, last.Rx)
	}

	e.result = result
	return nil
}

func (e *Engine) readHeader(conn interface{ Read([]byte) (int, error) }) (buf []byte, prefetchLen int, err error) {
	chunk := make([]byte, readChunkSize)
	for {
		n, rerr := conn.Read(chunk)
		if n <= 0 {
			return nil, 0, fmt.Errorf("httppost: %w: timed out reading response header", measerr.ErrTimeout)
		}
		buf = append(buf, chunk[:n]...)
		if end := scanHeaderEnd(buf); end >= 0 {
			return buf, len(buf) - end, nil
		}
		if rerr != nil {
			return nil, 0, fmt.Errorf("httppost: %w: %v", measerr.ErrSocket, rerr)
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
