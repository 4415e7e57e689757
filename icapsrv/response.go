package icapsrv

import (
	"bufio"
	"strconv"

	"github.com/gicap/gicap/message"
	"github.com/gicap/gicap/wire"
)

var statusText = map[int]string{
	100: "Continue",
	200: "OK",
	204: "No Content",
	206: "Partial Content",
	400: "Bad Request",
	403: "Forbidden",
	404: "Service Not Found",
	405: "Method Not Allowed For Service",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	500: "Server Error",
}

// writeError sends a bare ICAP status line (no encapsulated entity)
// for the given code.
func (s *Server) writeError(w *bufio.Writer, t *message.Transaction, code int) {
	h := wire.NewHeaderList()
	h.SetStartLine("ICAP/1.0 " + strconv.Itoa(code) + " " + statusText[code])
	h.Add("Connection: close")
	buf := h.Pack()
	n, _ := w.Write(buf)
	_ = w.Flush()
	t.Counters.BytesOut += int64(n)
	t.Outcome = message.ReturnCode(code)
	t.Flags.Keepalive = false
}

// writeAuthChallenge sends a 407 carrying a Basic challenge for realm,
// the wire response to an auth_required access outcome.
func (s *Server) writeAuthChallenge(w *bufio.Writer, t *message.Transaction, realm string) {
	h := wire.NewHeaderList()
	h.SetStartLine("ICAP/1.0 407 " + statusText[407])
	h.Add("Proxy-Authenticate: Basic realm=\"" + realm + "\"")
	buf := h.Pack()
	n, _ := w.Write(buf)
	_ = w.Flush()
	t.Counters.BytesOut += int64(n)
	t.Outcome = message.ReturnCode(407)
}

// write204 sends a bare 204 No Content, optionally rewritten to a
// zero-encapsulated 200 for the Config.Allow204As200ZeroEncaps knob.
func (s *Server) write204(w *bufio.Writer, t *message.Transaction) {
	h := wire.NewHeaderList()
	if s.Config.Allow204As200ZeroEncaps {
		h.SetStartLine("ICAP/1.0 200 OK")
		h.Add("Encapsulated: null-body=0")
	} else {
		h.SetStartLine("ICAP/1.0 204 " + statusText[204])
	}
	h.Add("ISTag: \"gicap-1\"")
	buf := h.Pack()
	n, _ := w.Write(buf)
	_ = w.Flush()
	t.Counters.BytesOut += int64(n)
	t.Outcome = message.Return204NoContent
}
