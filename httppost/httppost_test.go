package httppost

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scyphus/netbench/internal/netutil"
)

// serveOnce accepts one connection, reads exactly wantBody bytes after the
// request header, records them, then replies with a fixed response.
func serveOnce(t *testing.T, wantBodyLen int) (addr string, gotBody *[]byte) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	body := make([]byte, 0, wantBodyLen)
	gotBody = &body

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(3 * time.Second))

		buf := make([]byte, 4096)
		var hdr []byte
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				hdr = append(hdr, buf[:n]...)
				if i := indexHeaderEnd(hdr); i >= 0 {
					*gotBody = append(*gotBody, hdr[i:]...)
					break
				}
			}
			if err != nil {
				return
			}
		}
		for len(*gotBody) < wantBodyLen {
			n, err := conn.Read(buf)
			if n > 0 {
				*gotBody = append(*gotBody, buf[:n]...)
			}
			if err != nil {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK"))
	}()

	return ln.Addr().String(), gotBody
}

func indexHeaderEnd(buf []byte) int {
	s := string(buf)
	for i := 0; i+4 <= len(s); i++ {
		if s[i:i+4] == "\r\n\r\n" {
			return i + 4
		}
	}
	return -1
}

// TestExecStreamsExactBodyPattern checks that a POST with Content-Length
// 1024 streams exactly 1024 body bytes matching i mod 255.
func TestExecStreamsExactBodyPattern(t *testing.T) {
	const size = 1024
	addr, gotBody := serveOnce(t, size)

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	e := New("test-measurement-id")
	err = e.Exec(context.Background(), "http://"+host+":"+port+"/upload", netutil.IPv4, size, 5*time.Second)
	require.NoError(t, err)

	require.Len(t, *gotBody, size)
	for i, b := range *gotBody {
		assert.Equal(t, byte(i%255), b, "byte %d", i)
	}

	res := e.LastResult()
	require.NotEmpty(t, res.Items)
	last := res.Items[len(res.Items)-1]
	assert.EqualValues(t, size, last.Tx)
	assert.EqualValues(t, size, last.BufferedTx)

	for i := 1; i < len(res.Items); i++ {
		assert.GreaterOrEqual(t, res.Items[i].T, res.Items[i-1].T)
		assert.GreaterOrEqual(t, res.Items[i].Tx, res.Items[i-1].Tx)
		assert.GreaterOrEqual(t, res.Items[i].Rx, res.Items[i-1].Rx)
	}
}
