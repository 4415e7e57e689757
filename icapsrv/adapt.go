package icapsrv

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/gicap/gicap/filetype"
	"github.com/gicap/gicap/message"
	"github.com/gicap/gicap/wire"
)

const ioBufSize = 32 * 1024

// runAdaptation drives the REQMOD/RESPMOD body of the request through
// the Encapsulated/Preview/IO/EndOfData states. It is only reached once
// a Service has accepted the request in Init; the ServiceState hooks
// below correspond directly to its check_preview/io/end_of_data
// contract.
func (s *Server) runAdaptation(t *message.Transaction, r *bufio.Reader, w *bufio.Writer, d ServiceDescriptor, state ServiceState, method message.Method) (bool, error) {
	encVal, ok := t.ICAPRequestHeader.Search("Encapsulated")
	if !ok {
		s.writeError(w, t, 400)
		return false, fmt.Errorf("%w: missing Encapsulated header", ErrProtocolFraming)
	}
	enc, err := message.ParseEncapsulated(encVal)
	if err != nil {
		s.writeError(w, t, 400)
		return false, err
	}
	if err := enc.Validate(method, false); err != nil {
		s.writeError(w, t, 400)
		return false, err
	}
	t.Entities = enc.Entities

	var bodyKind message.EntityKind
	for _, ent := range t.Entities {
		if ent.Kind.IsBody() {
			bodyKind = ent.Kind
			continue
		}
		raw := make([]byte, ent.Length)
		if _, err := io.ReadFull(r, raw); err != nil {
			return false, fmt.Errorf("%w: reading %s: %v", ErrProtocolFraming, ent.Kind, err)
		}
		t.Counters.BytesIn += int64(len(raw))
		t.Counters.HTTPBytesIn += int64(len(raw))
		hl := t.AcquireEntityHeader(ent.Kind)
		if err := hl.Unpack(raw); err != nil {
			return false, fmt.Errorf("%w: %v", ErrProtocolFraming, err)
		}
		t.HTTPHeaders[ent.Kind] = hl
	}

	outHdrKind, outBodyKind := outputKinds(method)

	if bodyKind == message.NullBody {
		t.Flags.HasBody = false
		verdict, err := state.EndOfData(t)
		if err != nil {
			s.writeError(w, t, 500)
			return false, err
		}
		return s.finishNoBody(w, t, verdict, outHdrKind)
	}

	t.Flags.HasBody = true
	return s.runBodyPhase(t, r, w, state, outHdrKind, outBodyKind)
}

func outputKinds(method message.Method) (hdr, body message.EntityKind) {
	if method == message.MethodREQMOD {
		return message.ReqHdr, message.ReqBody
	}
	return message.ResHdr, message.ResBody
}

// finishNoBody handles the null-body case: the service gets exactly one
// EndOfData call and no preview/IO calls at all.
func (s *Server) finishNoBody(w *bufio.Writer, t *message.Transaction, verdict EndVerdict, outHdrKind message.EntityKind) (bool, error) {
	switch verdict {
	case EndAllow204:
		s.write204(w, t)
	default:
		s.writeAdaptedHeader(w, t, 200, outHdrKind, message.NullBody)
	}
	return t.Flags.Keepalive, nil
}

// classify runs the content classifier over data (the strongest sample
// of body content available at the call site: preview bytes, or the
// first bytes seen when no preview was negotiated) using the
// Content-Type/Content-Encoding of the hdrKind entity, and records the
// result on the transaction for access checks and log interpolation.
// A no-op once t.Attributes["type"] is already set, or if there is
// nothing to classify yet.
func (s *Server) classify(t *message.Transaction, hdrKind message.EntityKind, data []byte) {
	if len(data) == 0 || s.Classifier == nil {
		return
	}
	if _, done := t.Attributes["type"]; done {
		return
	}
	var contentType, contentEncoding string
	if hl, ok := t.HTTPHeaders[hdrKind]; ok {
		contentType, _ = hl.Search("Content-Type")
		contentEncoding, _ = hl.Search("Content-Encoding")
	}
	if typ, ok := filetype.ClassifyHTTPBody(s.Classifier, data, contentEncoding, contentType); ok {
		t.Attributes["type"] = typ.ID
	}
}

// runBodyPhase implements the preview/continue/IO/end-of-data dance for
// a request that carries an encapsulated body. When no Preview header
// was advertised, the service still gets a single "fake preview" call
// with no data so it may decide ALLOW_204/ALLOW_206 before any body
// bytes are read off the wire.
func (s *Server) runBodyPhase(t *message.Transaction, r *bufio.Reader, w *bufio.Writer, state ServiceState, outHdrKind, outBodyKind message.EntityKind) (bool, error) {
	cr := wire.NewChunkReader()
	var pending []byte
	eofReached := false

	// decodeSome appends at least one more decoded byte (or observes
	// EOF/error) to out, pulling more wire bytes only once pending is
	// exhausted, so bytes read in a single Read() that span multiple
	// chunks are never silently dropped between phases.
	decodeSome := func(out *bytes.Buffer) (wire.StepResult, error) {
		for {
			if wire.Halted() {
				return wire.StepError, ErrShuttingDown
			}
			if len(pending) == 0 && !eofReached {
				buf := make([]byte, ioBufSize)
				n, err := r.Read(buf)
				if n == 0 && err != nil {
					if err == io.EOF && s.Config.PadMissingBodyTerminator {
						eofReached = true
						return wire.StepEOF, nil
					}
					return wire.StepError, err
				}
				pending = buf[:n]
			}
			consumed, result, err := cr.Step(pending, out)
			pending = pending[consumed:]
			if err != nil {
				return wire.StepError, err
			}
			switch result {
			case wire.StepEOF:
				eofReached = true
				return wire.StepEOF, nil
			case wire.StepNeedsMore:
				if len(pending) > 0 {
					continue
				}
				return wire.StepNeedsMore, nil
			default:
				return result, nil
			}
		}
	}

	// drainBody reads the remainder of the chunked body to completion,
	// discarding nothing but returning it to the caller: used by the
	// no-Preview-negotiated ALLOW_204 path, where the client has already
	// committed to sending the full body and the framing must be
	// consumed in full regardless of what the service decided.
	drainBody := func() ([]byte, error) {
		var buf bytes.Buffer
		for !eofReached {
			if _, err := decodeSome(&buf); err != nil {
				return nil, err
			}
		}
		t.Counters.BytesIn += int64(buf.Len())
		t.Counters.BodyBytesIn += int64(buf.Len())
		return buf.Bytes(), nil
	}

	if t.Preview < 0 {
		verdict, err := state.CheckPreview(nil, t)
		if err != nil {
			s.writeError(w, t, 500)
			return false, err
		}
		switch verdict {
		case PreviewAllow204:
			drained, derr := drainBody()
			if derr != nil {
				return false, fmt.Errorf("%w: %v", ErrProtocolFraming, derr)
			}
			if t.Flags.Allow204 {
				s.write204(w, t)
				return t.Flags.Keepalive, nil
			}
			// 204 outside preview was never negotiated: emulate it per
			// Config.FakeAllow204 rather than sending a response the
			// client may not expect.
			if s.Config.FakeAllow204 {
				s.writeAdaptedHeader(w, t, 200, outHdrKind, outBodyKind)
				if len(drained) > 0 {
					if err := wire.EncodeChunk(w, drained); err != nil {
						return false, fmt.Errorf("%w: %v", ErrTransport, err)
					}
					t.Counters.BytesOut += int64(len(drained))
					t.Counters.BodyBytesOut += int64(len(drained))
				}
				if err := wire.EncodeTerminator(w, false, nil); err != nil {
					return false, fmt.Errorf("%w: %v", ErrTransport, err)
				}
			} else {
				s.writeAdaptedHeader(w, t, 200, outHdrKind, message.NullBody)
			}
			if err := w.Flush(); err != nil {
				return false, fmt.Errorf("%w: %v", ErrTransport, err)
			}
			return t.Flags.Keepalive, nil
		case PreviewAllow206:
			off := 0
			t.UseOriginalBodyFrom = &off
			s.writeAdaptedHeader(w, t, 206, outHdrKind, outBodyKind)
			_ = wire.EncodeTerminator(w, false, &off)
			_ = w.Flush()
			return t.Flags.Keepalive, nil
		}
		// PreviewContinue: fall through to the ordinary body loop below
		// with an empty initial buffer; decodeSome pulls real body bytes
		// as needed, exactly as it would after a real preview.
	}

	var preview bytes.Buffer
	if t.Preview >= 0 {
		for preview.Len() < t.Preview && !eofReached {
			if _, err := decodeSome(&preview); err != nil {
				return false, fmt.Errorf("%w: %v", ErrProtocolFraming, err)
			}
		}
		// The preview ends with its own zero-length chunk: consume it, and
		// unless it carried ieof, decode the body that follows with a
		// fresh ChunkReader.
		for !eofReached {
			if _, err := decodeSome(&preview); err != nil {
				return false, fmt.Errorf("%w: %v", ErrProtocolFraming, err)
			}
		}
		if cr.EOFReceived && !cr.IEOF {
			cr = wire.NewChunkReader()
			eofReached = false
		}
		t.Counters.BytesIn += int64(preview.Len())
		t.Counters.BodyBytesIn += int64(preview.Len())
		s.classify(t, outHdrKind, preview.Bytes())

		verdict, err := state.CheckPreview(preview.Bytes(), t)
		if err != nil {
			s.writeError(w, t, 500)
			return false, err
		}
		switch verdict {
		case PreviewAllow204:
			s.write204(w, t)
			return t.Flags.Keepalive, nil
		case PreviewAllow206:
			off := preview.Len()
			t.UseOriginalBodyFrom = &off
			s.writeAdaptedHeader(w, t, 206, outHdrKind, outBodyKind)
			_ = wire.EncodeTerminator(w, false, &off)
			_ = w.Flush()
			return t.Flags.Keepalive, nil
		}
		if !eofReached {
			if _, err := w.WriteString("ICAP/1.0 100 Continue\r\n\r\n"); err != nil {
				return false, fmt.Errorf("%w: %v", ErrTransport, err)
			}
			_ = w.Flush()
		}
	}

	headerWritten := false
	writeHeaderOnce := func() {
		if !headerWritten {
			s.writeAdaptedHeader(w, t, 200, outHdrKind, outBodyKind)
			headerWritten = true
		}
	}

	out := make([]byte, ioBufSize)
	in := preview.Bytes()
	s.classify(t, outHdrKind, in)

	for {
		for len(in) > 0 || eofReached {
			verdict, consumed, produced, err := state.IO(in, out, eofReached, t)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrServiceError, err)
			}
			if produced > 0 {
				writeHeaderOnce()
				if err := wire.EncodeChunk(w, out[:produced]); err != nil {
					return false, fmt.Errorf("%w: %v", ErrTransport, err)
				}
				t.Counters.BytesOut += int64(produced)
				t.Counters.BodyBytesOut += int64(produced)
			}
			in = in[consumed:]
			if eofReached && verdict == IOEOF {
				break
			}
			if consumed == 0 && produced == 0 {
				break
			}
		}
		if eofReached {
			break
		}
		var decoded bytes.Buffer
		if _, err := decodeSome(&decoded); err != nil {
			return false, fmt.Errorf("%w: %v", ErrProtocolFraming, err)
		}
		in = decoded.Bytes()
		s.classify(t, outHdrKind, in)
		t.Counters.BytesIn += int64(len(in))
		t.Counters.BodyBytesIn += int64(len(in))
	}

	endVerdict, err := state.EndOfData(t)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrServiceError, err)
	}

	// Apply the usual ALLOW_204/ALLOW_206 rules from EndOfData exactly
	// like the preview verdict above — but only if nothing has been
	// streamed to the client yet; once the 200 header (or any chunk)
	// has gone out, the response is already committed to 200.
	if !headerWritten {
		switch endVerdict {
		case EndAllow204:
			s.write204(w, t)
			return t.Flags.Keepalive, nil
		case EndAllow206:
			off := 0
			t.UseOriginalBodyFrom = &off
			s.writeAdaptedHeader(w, t, 206, outHdrKind, outBodyKind)
			_ = wire.EncodeTerminator(w, false, &off)
			_ = w.Flush()
			return t.Flags.Keepalive, nil
		}
	}
	writeHeaderOnce()

	if err := wire.EncodeTerminator(w, false, nil); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := w.Flush(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return t.Flags.Keepalive, nil
}

// writeAdaptedHeader writes the ICAP status line, standard headers,
// Encapsulated: header, and the packed HTTP header block for hdrKind
// (if present in t.HTTPHeaders), leaving the writer positioned to
// accept the chunked body that follows.
func (s *Server) writeAdaptedHeader(w *bufio.Writer, t *message.Transaction, code int, hdrKind, bodyKind message.EntityKind) {
	h := wire.NewHeaderList()
	h.SetStartLine("ICAP/1.0 " + strconv.Itoa(code) + " " + statusText[code])
	h.Add("ISTag: \"gicap-1\"")

	httpHdr, hasHTTPHdr := t.HTTPHeaders[hdrKind]
	var entities []message.Entity
	var hdrBytes []byte
	if hasHTTPHdr {
		hdrBytes = httpHdr.Pack()
		entities = []message.Entity{
			{Kind: hdrKind, Length: len(hdrBytes)},
			{Kind: bodyKind},
		}
	} else {
		bodyKind = message.NullBody
		entities = []message.Entity{{Kind: message.NullBody}}
	}
	h.Add("Encapsulated: " + message.Build(entities))

	buf := h.Pack()
	n, _ := w.Write(buf)
	t.Counters.BytesOut += int64(n)
	if len(hdrBytes) > 0 {
		n2, _ := w.Write(hdrBytes)
		t.Counters.BytesOut += int64(n2)
		t.Counters.HTTPBytesOut += int64(n2)
	}
	t.Outcome = message.ReturnCode(code)
}
