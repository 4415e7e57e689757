package wire

import (
	"bufio"
	"errors"
	"net"
	"sync/atomic"
	"time"
)

// ErrAborted is returned from Wait when the global halt flag was set
// while the caller was suspended.
var ErrAborted = errors.New("wire: aborted")

// WaitFlags selects which readiness a Wait call should block for.
type WaitFlags int

const (
	ForRead WaitFlags = 1 << iota
	ForWrite
)

// halted is the process-wide shutdown flag consulted by Wait. It is a
// package-level atomic rather than a field on Conn because the real
// signal (SIGTERM, a supervisor shutdown order) is process-scoped, not
// connection-scoped.
var halted atomic.Bool

// Halt sets the global halt flag; every Wait call in progress or issued
// afterwards returns ErrAborted until Resume is called.
func Halt() { halted.Store(true) }

// Resume clears the global halt flag. Exposed for tests that reuse a
// process across multiple server lifetimes.
func Resume() { halted.Store(false) }

// Halted reports whether the global halt flag is currently set, so a
// blocking caller that isn't going through Wait can still poll it
// between reads.
func Halted() bool { return halted.Load() }

// Conn is the capability set the core requires from a connection: plain
// TCP and TLS satisfy it identically from the core's point of view, with
// TLS additionally folding protocol-level buffered bytes into Wait's
// readiness decision (see TLSConn).
type Conn interface {
	net.Conn

	// Wait blocks until the connection is ready for the requested
	// direction(s), the deadline elapses, or the global halt flag is
	// set. The returned flags report which directions are actually
	// ready; a zero return with a nil error means the timeout elapsed.
	Wait(flags WaitFlags, timeout time.Duration) (WaitFlags, error)

	// Buffered reports bytes already read off the socket into the
	// connection's internal read buffer and not yet consumed, so Wait
	// can report ForRead-ready immediately without touching the network.
	Buffered() int
}

// TCPConn adapts a net.Conn to the Conn interface using deadline-based
// probing through a buffered reader: Go's net package exposes no raw
// non-blocking poll primitive, so readiness is approximated by peeking
// one byte under a short deadline. Peek never discards the byte, so
// callers that follow a ready Wait with a real Read observe it normally.
type TCPConn struct {
	net.Conn
	r *bufio.Reader
}

// NewTCPConn wraps an established net.Conn for use by the core.
func NewTCPConn(c net.Conn) *TCPConn {
	return &TCPConn{Conn: c, r: bufio.NewReaderSize(c, 16*1024)}
}

// Read implements net.Conn through the internal buffered reader so that
// bytes peeked by Wait are never lost.
func (c *TCPConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Buffered implements Conn.
func (c *TCPConn) Buffered() int { return c.r.Buffered() }

// Wait implements Conn.
func (c *TCPConn) Wait(flags WaitFlags, timeout time.Duration) (WaitFlags, error) {
	if halted.Load() {
		return 0, ErrAborted
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	var ready WaitFlags
	if flags&ForRead != 0 {
		if c.r.Buffered() > 0 {
			ready |= ForRead
		} else {
			_ = c.Conn.SetReadDeadline(deadline)
			_, err := c.r.Peek(1)
			_ = c.Conn.SetReadDeadline(time.Time{})
			if err == nil {
				ready |= ForRead
			} else if !isTimeout(err) {
				// EOF or a hard error: report ready so the caller's
				// subsequent real Read surfaces it.
				ready |= ForRead
			}
		}
	}
	if flags&ForWrite != 0 {
		_ = c.Conn.SetWriteDeadline(deadline)
		ready |= ForWrite // a genuinely full send buffer is discovered
		// by the next Write call's own deadline; this plays the role of
		// the retry bit a raw poll primitive would report for an
		// interrupted wait.
	}
	if halted.Load() {
		return 0, ErrAborted
	}
	return ready, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
