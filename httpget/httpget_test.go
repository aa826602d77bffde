package httpget

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scyphus/netbench/internal/netutil"
)

// serveOnce starts a listener that accepts exactly one connection, drains
// the request, writes response, and closes.
func serveOnce(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			n, err := conn.Read(buf)
			if n > 0 && (len(buf[:n]) >= 4 && string(buf[n-4:n]) == "\r\n\r\n") {
				break
			}
			if err != nil {
				break
			}
		}
		conn.Write([]byte(response))
	}()

	return ln.Addr().String()
}

// TestExecBasicGet checks the header-parsed shape: content length
// extracted, item #0 zeroed, items monotone, and the second item's rx equals
// the header length plus any body bytes prefetched in the same read.
func TestExecBasicGet(t *testing.T) {
	const body = "ABCDEFGHIJ"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n" + body
	addr := serveOnce(t, response)

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	e := New("test-measurement-id")
	err = e.Exec(context.Background(), "http://"+host+":"+port+"/", netutil.IPv4, 2*time.Second)
	require.NoError(t, err)

	res := e.LastResult()
	require.NotEmpty(t, res.Items)

	first := res.Items[0]
	assert.EqualValues(t, 0, first.Tx)
	assert.EqualValues(t, 0, first.Rx)

	require.GreaterOrEqual(t, len(res.Items), 2)
	second := res.Items[1]
	wantHeaderLen := len("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n")
	assert.Equal(t, wantHeaderLen, res.HeaderLen)
	assert.EqualValues(t, 10, res.ContentLen)
	assert.Equal(t, second.Rx, int64(res.HeaderLen)+int64(len(body)))

	last := res.Items[len(res.Items)-1]
	assert.EqualValues(t, len(response), last.Rx)

	for i := 1; i < len(res.Items); i++ {
		assert.GreaterOrEqual(t, res.Items[i].T, res.Items[i-1].T)
		assert.GreaterOrEqual(t, res.Items[i].Tx, res.Items[i-1].Tx)
		assert.GreaterOrEqual(t, res.Items[i].Rx, res.Items[i-1].Rx)
	}
}

func TestExecRejectsNonHTTPScheme(t *testing.T) {
	e := New("mid")
	err := e.Exec(context.Background(), "https://example.com/", netutil.IPv4, time.Second)
	assert.Error(t, err)
}
