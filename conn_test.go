package icapclient

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
)

func TestICAPConnSendReadsUntilTerminator(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 1096)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("ICAP/1.0 200 OK\r\nEncapsulated: res-hdr=0, null-body=20\r\n\r\n" +
			"HTTP/1.1 200 OK\r\n\r\n"))
	}()

	c, err := NewICAPConn()
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), ln.Addr().String(), time.Second))
	t.Cleanup(func() { _ = c.Close() })

	data, err := c.Send([]byte("OPTIONS icap://localhost/echo ICAP/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.Contains(t, string(data), "ICAP/1.0 200 OK")
}

func TestICAPConnSendStopsAt100Continue(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 1096)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte(icap100ContinueMsg))
	}()

	c, err := NewICAPConn()
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), ln.Addr().String(), time.Second))
	t.Cleanup(func() { _ = c.Close() })

	data, err := c.Send([]byte("REQMOD icap://localhost/echo ICAP/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, icap100ContinueMsg, string(data))
}

func TestICAPConnSendBeforeConnectFails(t *testing.T) {
	c, err := NewICAPConn()
	require.NoError(t, err)

	_, err = c.Send([]byte("x"))
	require.Error(t, err)
}

func TestICAPConnCloseBeforeConnectFails(t *testing.T) {
	c, err := NewICAPConn()
	require.NoError(t, err)

	require.Error(t, c.Close())
}
