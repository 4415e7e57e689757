package wire

import (
	"crypto/tls"
	"time"
)

// TLSConn adapts a *tls.Conn to Conn. It reuses TCPConn's deadline-probe
// Wait implementation; the handshake has already folded any
// protocol-level buffered records into the first Read by the time a
// *tls.Conn reaches here, so the same buffered-Peek strategy applies
// without needing to inspect TLS-internal state directly.
type TLSConn struct {
	*TCPConn
}

// NewTLSConn wraps an already-handshaken TLS connection.
func NewTLSConn(c *tls.Conn) *TLSConn {
	return &TLSConn{TCPConn: NewTCPConn(c)}
}

// Handshake performs the TLS handshake with the given timeout,
// surfacing failures the same way a plain TCPConn surfaces connect
// failures.
func (c *TLSConn) Handshake(timeout time.Duration) error {
	tconn, ok := c.TCPConn.Conn.(*tls.Conn)
	if !ok {
		return nil
	}
	_ = tconn.SetDeadline(time.Now().Add(timeout))
	defer tconn.SetDeadline(time.Time{})
	return tconn.Handshake()
}
