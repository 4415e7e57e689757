package message

import (
	"github.com/gicap/gicap/wire"
)

// Status enumerates the server-side transaction progress, used so the
// single-threaded event loop can resume at the right point after a
// Wait. Client-side status progression is a distinct, larger enum
// owned by the root icapclient package.
type Status int

const (
	StatusReadICAPHeader Status = iota
	StatusParseRequestLine
	StatusParseHeaders
	StatusReadEncapsHeaders
	StatusAccessCheck
	StatusServiceInit
	StatusPreview
	StatusBody
	StatusEndOfData
	StatusDone
)

// ReturnCode is the outcome code that drives the ICAP status line built
// for the response.
type ReturnCode int

const (
	Return100Continue         ReturnCode = 100
	Return200OK               ReturnCode = 200
	Return204NoContent        ReturnCode = 204
	Return206PartialContent   ReturnCode = 206
	Return400BadRequest       ReturnCode = 400
	Return403Forbidden        ReturnCode = 403
	Return404NotFound         ReturnCode = 404
	Return405MethodNotAllowed ReturnCode = 405
	Return407AuthRequired     ReturnCode = 407
	Return408Timeout          ReturnCode = 408
	Return500ServerError      ReturnCode = 500
)

// Flags bundles the small set of booleans tracked per request:
// hasbody, keepalive, allow204, allow206, eof_received, eof_sent,
// data_locked, packed.
type Flags struct {
	HasBody      bool
	Keepalive    bool
	Allow204     bool
	Allow206     bool
	EOFReceived  bool
	EOFSent      bool
	DataLocked   bool
	Packed       bool
}

// Counters are the byte counters tracked per transaction: body
// counters count only decoded body payload, never chunk headers or
// HTTP headers.
type Counters struct {
	BytesIn      int64
	BytesOut     int64
	HTTPBytesIn  int64
	HTTPBytesOut int64
	BodyBytesIn  int64
	BodyBytesOut int64
}

// Transaction owns all per-request state: the connection, the three
// header lists, entity slots with a recycle pool, cursors, flags,
// status, preview size, outcome, counters, attributes, log-format
// override, and the optional 206 use-original-body offset.
type Transaction struct {
	Conn wire.Conn

	ICAPRequestHeader  *wire.HeaderList
	ICAPResponseHeader *wire.HeaderList
	XHeaders           *wire.HeaderList

	Entities []Entity
	recycle  map[EntityKind]*wire.HeaderList

	// HTTPHeaders holds the encapsulated HTTP header blocks (req-hdr,
	// res-hdr) for the current transaction, keyed by kind. A Service may
	// rewrite these in place during CheckPreview/IO/EndOfData; the
	// mutated copy is what gets echoed back in the response.
	HTTPHeaders map[EntityKind]*wire.HeaderList

	ReadPtr            int
	ReadLen            int
	CurrentChunkLen    int
	ChunkBytesRead     int
	SendPtr            int
	RemainSendBlockLen int

	Flags    Flags
	Status   Status
	Preview  int // -1 = none advertised, 0 = empty preview, N = first N bytes
	Outcome  ReturnCode

	Counters Counters

	Attributes          map[string]string
	LogFormatOverride    string
	UseOriginalBodyFrom  *int

	// AccessVerdictCached records whether check_client already ran for
	// this connection, so Reset (keep-alive reuse) can preserve it: a
	// Reset preserves the connection and the access check verdict.
	AccessVerdictCached bool
}

// NewTransaction binds a fresh transaction to conn with every cursor,
// flag, and counter zeroed.
func NewTransaction(conn wire.Conn) *Transaction {
	t := &Transaction{
		Conn:               conn,
		ICAPRequestHeader:  wire.NewHeaderList(),
		ICAPResponseHeader: wire.NewHeaderList(),
		XHeaders:           wire.NewHeaderList(),
		recycle:            make(map[EntityKind]*wire.HeaderList),
		HTTPHeaders:        make(map[EntityKind]*wire.HeaderList),
		Preview:            -1,
		Attributes:         make(map[string]string),
	}
	return t
}

// ReleaseEntity parks ent's header list (if any) in the recycle pool
// keyed by kind, so the next transaction on the same connection can
// reuse its storage instead of reallocating.
func (t *Transaction) ReleaseEntity(kind EntityKind, h *wire.HeaderList) {
	if h == nil {
		return
	}
	h.Reset()
	t.recycle[kind] = h
}

// AcquireEntityHeader returns a recycled HeaderList for kind if one was
// parked by a prior transaction on this connection, otherwise a fresh
// one.
func (t *Transaction) AcquireEntityHeader(kind EntityKind) *wire.HeaderList {
	if h, ok := t.recycle[kind]; ok {
		delete(t.recycle, kind)
		return h
	}
	return wire.NewHeaderList()
}

// Reset prepares the transaction for keep-alive reuse: every cursor is
// reset, all three header lists are emptied, entity slots are
// reclaimed into the recycle pool, but the connection and the cached
// access-check verdict survive.
func (t *Transaction) Reset() {
	for kind, h := range t.HTTPHeaders {
		t.ReleaseEntity(kind, h)
	}
	t.HTTPHeaders = make(map[EntityKind]*wire.HeaderList)
	t.Entities = nil
	t.ReadPtr, t.ReadLen = 0, 0
	t.CurrentChunkLen, t.ChunkBytesRead = 0, 0
	t.SendPtr, t.RemainSendBlockLen = 0, 0
	t.Flags = Flags{}
	t.Status = StatusReadICAPHeader
	t.Preview = -1
	t.Outcome = 0
	t.Counters = Counters{}
	t.Attributes = make(map[string]string)
	t.LogFormatOverride = ""
	t.UseOriginalBodyFrom = nil

	t.ICAPRequestHeader.Reset()
	t.ICAPResponseHeader.Reset()
	t.XHeaders.Reset()
}
