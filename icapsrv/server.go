package icapsrv

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gicap/gicap/access"
	"github.com/gicap/gicap/filetype"
	"github.com/gicap/gicap/logformat"
	"github.com/gicap/gicap/message"
	"github.com/gicap/gicap/wire"
)

const maxHeaderBlock = 64 * 1024

// Stats are one Server's counters, updated under that Server's lock at
// transaction end.
type Stats struct {
	mu          sync.Mutex
	Requests    int64
	Failures    int64
	BytesIn     int64
	BytesOut    int64
}

func (s *Stats) record(t *message.Transaction, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests++
	if failed {
		s.Failures++
	}
	s.BytesIn += t.Counters.BytesIn
	s.BytesOut += t.Counters.BytesOut
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Requests: s.Requests, Failures: s.Failures, BytesIn: s.BytesIn, BytesOut: s.BytesOut}
}

// Server drives accepted connections through the ICAP transaction
// state machine. Each connection is served by one goroutine, but
// within that goroutine a transaction is handled strictly
// single-threaded and cooperatively: parallelism comes from serving
// many connections concurrently, never from splitting one
// transaction's work across goroutines.
type Server struct {
	Config     Config
	Registry   *Registry
	Access     *access.Config
	Classifier *filetype.Database
	Logger     *slog.Logger
	ServerName string

	stats Stats
}

// NewServer wires the four collaborator layers together (registry,
// ACL config, classifier, logger): the server consults access control
// for admission and the classifier/format interpolator for
// classification and logging.
func NewServer(cfg Config, reg *Registry, acc *access.Config, classifier *filetype.Database, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = filetype.DefaultDatabase
	}
	return &Server{
		Config:     cfg,
		Registry:   reg,
		Access:     acc,
		Classifier: classifier,
		Logger:     logger,
		ServerName: "gicap/1.0",
	}
}

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() Stats { return s.stats.Snapshot() }

// Serve accepts connections from ln until it errors or the listener is
// closed, handling each on its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()

	clientIP, _ := splitHostPort(netConn.RemoteAddr())
	localIP, localPort := splitHostPort(netConn.LocalAddr())

	connMeta := connMeta{clientIP: clientIP, localIP: localIP, localPort: localPort}

	// check_client: admission gate evaluated once per accepted
	// connection, before any ICAP header has even been read.
	if s.Access != nil {
		areq := &access.Request{ClientAddr: clientIP, ServerAddr: localIP, ServerPort: localPort}
		if outcome, _ := access.CheckAuth(s.Access.ClientChain, areq); outcome == access.Deny {
			return
		}
	}

	wc := wire.NewTCPConn(netConn)
	reader := bufio.NewReaderSize(wc, 16*1024)
	writer := bufio.NewWriterSize(wc, 16*1024)

	t := message.NewTransaction(wc)
	first := true
	for {
		if !first {
			t.Reset()
		}
		timeout := s.Config.ReadTimeout
		if !first {
			timeout = s.Config.KeepaliveTimeout
		}
		first = false
		_ = netConn.SetReadDeadline(time.Now().Add(timeout))

		keepAlive, err := s.runTransaction(t, reader, writer, connMeta)
		failed := err != nil
		s.stats.record(t, failed)
		if err != nil {
			s.Logger.Warn("icap transaction failed", "err", err)
		} else {
			s.logTransaction(t, connMeta)
		}
		if !keepAlive {
			return
		}
	}
}

// logTransaction interpolates the configured (or per-request-overridden)
// log format against the transaction and connection state and emits it
// as a single slog attribute, unless check_logging resolves to NoLog.
func (s *Server) logTransaction(t *message.Transaction, meta connMeta) {
	format := s.Config.LogFormat
	if t.LogFormatOverride != "" {
		format = t.LogFormatOverride
	}
	if format == "" {
		return
	}

	method, _, svcName, _ := parseRequestLine(t.ICAPRequestHeader.StartLine())

	if s.Access != nil {
		lreq := &access.Request{
			ServiceName: svcName,
			Method:      string(method),
			ClientAddr:  meta.clientIP,
			ServerAddr:  meta.localIP,
			ServerPort:  meta.localPort,
			Header: func(name string) (string, bool) {
				return t.ICAPRequestHeader.Search(name)
			},
			DataType: t.Attributes["type"],
		}
		if outcome, _ := s.Access.LoggingChain.Evaluate(lreq); outcome == access.NoLog {
			return
		}
	}

	v := &logformat.Values{
		Now:            time.Now(),
		ClientIP:       meta.clientIP.String(),
		LocalIP:        meta.localIP.String(),
		Method:         string(method),
		Service:        svcName,
		StatusCode:     int(t.Outcome),
		BytesIn:        t.Counters.BytesIn,
		BytesOut:       t.Counters.BytesOut,
		Header: func(name string) (string, bool) {
			return t.ICAPRequestHeader.Search(name)
		},
		Attributes:     t.Attributes,
		RequestCounter: s.stats.Snapshot().Requests,
	}
	s.Logger.Info("icap transaction", "line", logformat.Interpolate(format, v))
}

type connMeta struct {
	clientIP  net.IP
	localIP   net.IP
	localPort int
}

func splitHostPort(addr net.Addr) (net.IP, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, 0
	}
	return tcp.IP, tcp.Port
}

// runTransaction drives one ICAP request/response through states
// StatusReadICAPHeader .. StatusDone, returning whether the connection
// should be kept open for another (possibly pipelined) request.
func (s *Server) runTransaction(t *message.Transaction, r *bufio.Reader, w *bufio.Writer, meta connMeta) (keepAlive bool, err error) {
	t.Flags.Keepalive = true

	rawHeader, err := readUntilDoubleCRLF(r, maxHeaderBlock)
	if err != nil {
		if errors.Is(err, io.EOF) && len(rawHeader) == 0 {
			return false, nil // clean close between pipelined requests
		}
		return false, fmt.Errorf("%w: reading ICAP header: %v", ErrTimeout, err)
	}
	t.Counters.BytesIn += int64(len(rawHeader))

	if err := t.ICAPRequestHeader.Unpack(rawHeader); err != nil {
		s.writeError(w, t, 400)
		return false, fmt.Errorf("%w: %v", ErrProtocolFraming, err)
	}

	method, rawURL, svcName, err := parseRequestLine(t.ICAPRequestHeader.StartLine())
	if err != nil {
		s.writeError(w, t, 400)
		return false, fmt.Errorf("%w: %v", ErrProtocolFraming, err)
	}
	_ = rawURL

	svc, ok := s.Registry.Lookup(svcName)
	if !ok {
		s.writeError(w, t, 404)
		return t.Flags.Keepalive, fmt.Errorf("%w: %q", ErrServiceNotFound, svcName)
	}
	if !SupportsMethod(svc, method) {
		s.writeError(w, t, 405)
		return t.Flags.Keepalive, fmt.Errorf("%w: %s on %q", ErrMethodNotAllowed, method, svcName)
	}

	applyStandardHeaders(t)

	// Access control gate: run check_request before admitting the transaction.
	if s.Access != nil {
		areq := &access.Request{
			ServiceName: svcName,
			Method:      string(method),
			ClientAddr:  meta.clientIP,
			ServerAddr:  meta.localIP,
			ServerPort:  meta.localPort,
			Header: func(name string) (string, bool) {
				return t.ICAPRequestHeader.Search(name)
			},
			HasCredentials: hasCredentials(t),
		}
		if u, ok := t.ICAPRequestHeader.Search("X-Authenticated-User"); ok {
			if user, ok := access.Username(u); ok {
				areq.Username = user
			}
		}
		outcome, realm := access.CheckAuth(s.Access.RequestChain, areq)
		switch outcome {
		case access.Deny:
			if realm != "" {
				s.writeAuthChallenge(w, t, realm)
				return t.Flags.Keepalive, fmt.Errorf("%w: realm %q", ErrAuthRequired, realm)
			}
			s.writeError(w, t, 403)
			return false, fmt.Errorf("%w: service %q", ErrAccessDenied, svcName)
		}
	}

	// CALL_SERVICE_INIT
	state, err := svc.Init(t)
	if err != nil {
		s.writeError(w, t, 500)
		return false, fmt.Errorf("%w: init: %v", ErrServiceError, err)
	}
	defer state.Release()

	if method == message.MethodOPTIONS {
		s.writeOptions(w, t, svc.Descriptor())
		return t.Flags.Keepalive, nil
	}

	return s.runAdaptation(t, r, w, svc.Descriptor(), state, method)
}

func hasCredentials(t *message.Transaction) bool {
	_, ok := t.ICAPRequestHeader.Search("Authorization")
	if ok {
		return true
	}
	_, ok = t.ICAPRequestHeader.Search("Proxy-Authorization")
	return ok
}

func applyStandardHeaders(t *message.Transaction) {
	if v, ok := t.ICAPRequestHeader.Search("Connection"); ok && strings.EqualFold(strings.TrimSpace(v), "close") {
		t.Flags.Keepalive = false
	}
	if v, ok := t.ICAPRequestHeader.Search("Preview"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			t.Preview = n
			t.Flags.HasBody = true
		}
	}
	if v, ok := t.ICAPRequestHeader.Search("Allow"); ok {
		for _, tok := range strings.Split(v, ",") {
			switch strings.TrimSpace(tok) {
			case "204":
				t.Flags.Allow204 = true
			case "206":
				t.Flags.Allow206 = true
			}
		}
	}
}

func parseRequestLine(line string) (method message.Method, rawURL, service string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", "", fmt.Errorf("malformed request line %q", line)
	}
	m := message.Method(fields[0])
	switch m {
	case message.MethodOPTIONS, message.MethodREQMOD, message.MethodRESPMOD:
	default:
		return "", "", "", fmt.Errorf("unsupported method %q", fields[0])
	}
	rawURL = fields[1]
	if !strings.HasPrefix(rawURL, "icap://") && !strings.HasPrefix(rawURL, "icaps://") {
		return "", "", "", fmt.Errorf("URI scheme must be icap:// or icaps://, got %q", rawURL)
	}
	proto := fields[2]
	if !strings.HasPrefix(proto, "ICAP/1.") {
		return "", "", "", fmt.Errorf("unsupported protocol version %q", proto)
	}
	afterScheme := strings.SplitN(strings.SplitN(rawURL, "://", 2)[1], "/", 2)
	if len(afterScheme) == 2 {
		service = strings.SplitN(afterScheme[1], "?", 2)[0]
	}
	return m, rawURL, service, nil
}

// readUntilDoubleCRLF reads bytes from r until it has seen "\r\n\r\n",
// returning everything read including the terminator, bounded by max.
func readUntilDoubleCRLF(r *bufio.Reader, max int) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		buf.WriteString(line)
		if buf.Len() > max {
			return nil, fmt.Errorf("header block exceeds %d bytes", max)
		}
		if err != nil {
			if buf.Len() == 0 {
				return nil, err
			}
			return buf.Bytes(), err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return buf.Bytes(), nil
		}
	}
}
