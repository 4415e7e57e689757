package icapsrv

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/gicap/gicap/message"
	"github.com/gicap/gicap/wire"
)

// writeOptions builds and sends the OPTIONS response from the
// service's descriptor fields.
func (s *Server) writeOptions(w *bufio.Writer, t *message.Transaction, d ServiceDescriptor) {
	var methods []string
	for _, m := range d.Methods {
		methods = append(methods, string(m))
	}

	h := wire.NewHeaderList()
	_ = h.SetStartLine("ICAP/1.0 200 OK")
	h.Add("Methods: " + strings.Join(methods, ", "))
	h.Add("Service: " + d.Description)
	h.Add("ISTag: " + quoteISTag(d.ISTag))
	if d.PreviewSize >= 0 {
		h.Add("Preview: " + strconv.Itoa(d.PreviewSize))
	}
	var allow []string
	if d.Allow204 {
		allow = append(allow, "204")
	}
	if d.Allow206 {
		allow = append(allow, "206")
	}
	if len(allow) > 0 {
		h.Add("Allow: " + strings.Join(allow, ", "))
	}
	if d.MaxConnections > 0 {
		h.Add("Max-Connections: " + strconv.Itoa(d.MaxConnections))
	}
	ttl := d.OptionsTTLSecs
	if ttl <= 0 {
		ttl = 3600
	}
	h.Add("Options-TTL: " + strconv.Itoa(ttl))
	if len(d.TransferComplete) > 0 {
		h.Add("Transfer-Complete: " + strings.Join(d.TransferComplete, ", "))
	}
	if len(d.TransferIgnore) > 0 {
		h.Add("Transfer-Ignore: " + strings.Join(d.TransferIgnore, ", "))
	}
	if len(d.TransferPreview) > 0 {
		h.Add("Transfer-Preview: " + strings.Join(d.TransferPreview, ", "))
	}
	for _, inc := range d.XInclude {
		h.Add("X-Include: " + inc)
	}
	h.Add("Encapsulated: null-body=0")

	buf := h.Pack()
	n, _ := w.Write(buf)
	_ = w.Flush()
	t.Counters.BytesOut += int64(n)
	t.Outcome = message.Return200OK
}

func quoteISTag(tag string) string {
	if tag == "" {
		tag = "gicap-1"
	}
	if len(tag) > 32 {
		tag = tag[:32]
	}
	return fmt.Sprintf("%q", tag)
}
