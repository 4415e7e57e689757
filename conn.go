package icapclient

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ICAPConn is the one responsible for driving the transport layer operations. We have to explicitly deal with the connection because the ICAP protocol is aware of keep alive and reconnects.
type ICAPConn struct {
	tcp net.Conn
	mu  sync.Mutex
}

// NewICAPConn creates a new connection to the icap server
func NewICAPConn() (*ICAPConn, error) {
	return &ICAPConn{}, nil
}

// Connect connects to the icap server
func (c *ICAPConn) Connect(ctx context.Context, address string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}

	c.tcp = conn

	if dialer.Timeout == 0 {
		return nil
	}

	deadline := time.Now().UTC().Add(dialer.Timeout)

	if err := c.tcp.SetReadDeadline(deadline); err != nil {
		return err
	}

	if err := c.tcp.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return nil
}

// Send writes a fully built ICAP message to the server and returns the
// raw bytes of whatever comes back (a final response, or a 100 Continue
// interim response when the caller is mid-preview). Parsing is left to
// the caller so the same Send can serve both the initial and the
// post-preview round trip.
func (c *ICAPConn) Send(in []byte) ([]byte, error) {
	if !c.ok() {
		return nil, syscall.EINVAL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	errChan := make(chan error, 2)
	dataChan := make(chan []byte, 1)

	go func() {
		if _, err := c.tcp.Write(in); err != nil {
			errChan <- err
		}
	}()

	go func() {
		data := make([]byte, 0)

		for {
			tmp := make([]byte, 1096)

			n, err := c.tcp.Read(tmp)
			if n > 0 {
				data = append(data, tmp[:n]...)
			}

			if err != nil && err != io.EOF {
				errChan <- err
				return
			}

			// EOF detected, an entire message is received
			if err == io.EOF || n == 0 {
				break
			}

			// the 100 Continue interim response is a complete message on
			// its own and is never followed by more bytes on this read
			if string(data) == icap100ContinueMsg {
				break
			}

			// 0\r\n\r\n terminates a chunked encapsulated body
			if strings.HasSuffix(string(data), "0\r\n\r\n") {
				break
			}

			// a 204 (whatever its reason phrase) carries no encapsulated
			// body and ends at the header block
			if strings.Contains(string(data), icap204NoModsMsg) && strings.HasSuffix(string(data), doubleCRLF) {
				break
			}
		}

		dataChan <- data
	}()

	select {
	case err := <-errChan:
		return nil, err
	case data := <-dataChan:
		return data, nil
	}
}

// Close closes the tcp connection
func (c *ICAPConn) Close() error {
	if !c.ok() {
		return syscall.EINVAL
	}

	return c.tcp.Close()
}

func (c *ICAPConn) ok() bool { return c != nil && c.tcp != nil }
