package icapsrv

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gicap/gicap/access"
	"github.com/gicap/gicap/message"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
)

// testService is a minimal Service used across the scenarios below; its
// per-call verdicts are configured by the test.
type testService struct {
	descriptor ServiceDescriptor
	preview    PreviewVerdict
	end        EndVerdict
}

func (s *testService) Descriptor() ServiceDescriptor { return s.descriptor }

func (s *testService) Init(t *message.Transaction) (ServiceState, error) {
	return &testState{preview: s.preview, end: s.end}, nil
}

type testState struct {
	preview PreviewVerdict
	end     EndVerdict
}

func (s *testState) CheckPreview(data []byte, t *message.Transaction) (PreviewVerdict, error) {
	return s.preview, nil
}

func (s *testState) IO(in, out []byte, eof bool, t *message.Transaction) (IOVerdict, int, int, error) {
	n := copy(out, in)
	verdict := IOOk
	if eof && n == len(in) {
		verdict = IOEOF
	}
	return verdict, n, n, nil
}

func (s *testState) EndOfData(t *message.Transaction) (EndVerdict, error) { return s.end, nil }
func (s *testState) Release()                                            {}

// startTestServer runs srv on a loopback TCP listener rather than
// net.Pipe: the ACCESS_CHECK step keys off RemoteAddr, which net.Pipe
// never populates with a real *net.TCPAddr.
func startTestServer(t *testing.T, srv *Server) (client net.Conn) {
	t.Helper()
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go srv.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	var sb strings.Builder
	// status + headers
	for {
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	// best-effort slurp of whatever body bytes are already buffered/pending
	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return sb.String()
}

func echoDescriptor(methods ...message.Method) ServiceDescriptor {
	return ServiceDescriptor{
		Name:        "echo",
		Description: "echo service",
		ISTag:       "echo-1",
		Methods:     methods,
		PreviewSize: 4,
		Allow204:    true,
		Allow206:    true,
	}
}

func newTestServer(svc Service) *Server {
	reg := NewRegistry()
	reg.Register("echo", svc)
	reg.Default = "echo"
	cfg := DefaultConfig()
	cfg.ReadTimeout = time.Second
	cfg.KeepaliveTimeout = 50 * time.Millisecond
	return NewServer(cfg, reg, access.NewConfig(), nil, nil)
}

func TestOptionsListsMethods(t *testing.T) {
	svc := &testService{descriptor: echoDescriptor(message.MethodREQMOD, message.MethodRESPMOD)}
	srv := newTestServer(svc)
	conn := startTestServer(t, srv)

	_, err := conn.Write([]byte("OPTIONS icap://localhost/echo ICAP/1.0\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, "ICAP/1.0 200 OK")
	require.Contains(t, resp, "Methods: REQMOD, RESPMOD")
}

func TestReqmodSmallBodyAllow204(t *testing.T) {
	svc := &testService{descriptor: echoDescriptor(message.MethodREQMOD), preview: PreviewAllow204}
	srv := newTestServer(svc)
	conn := startTestServer(t, srv)

	body := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	reqHdr := "REQMOD icap://localhost/echo ICAP/1.0\r\n" +
		"Host: localhost\r\n" +
		"Preview: 0\r\n" +
		"Allow: 204\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + itoa(len(body)) + "\r\n\r\n"

	_, err := conn.Write([]byte(reqHdr))
	require.NoError(t, err)
	_, err = conn.Write([]byte(body))
	require.NoError(t, err)
	_, err = conn.Write([]byte("0\r\n\r\n"))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, "204")
}

func TestRespmodEchoPassthrough(t *testing.T) {
	svc := &testService{descriptor: echoDescriptor(message.MethodRESPMOD), preview: PreviewContinue, end: EndDone}
	srv := newTestServer(svc)
	conn := startTestServer(t, srv)

	resHdr := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n"
	payload := "hello world"
	reqHdr := "RESPMOD icap://localhost/echo ICAP/1.0\r\n" +
		"Host: localhost\r\n" +
		"Encapsulated: res-hdr=0, res-body=" + itoa(len(resHdr)) + "\r\n\r\n"

	_, err := conn.Write([]byte(reqHdr))
	require.NoError(t, err)
	_, err = conn.Write([]byte(resHdr))
	require.NoError(t, err)
	_, err = conn.Write([]byte(encodeChunk(payload)))
	require.NoError(t, err)
	_, err = conn.Write([]byte("0\r\n\r\n"))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, "ICAP/1.0 200 OK")
	require.Contains(t, resp, payload)
}

func TestPartialContentUsesOriginalBody(t *testing.T) {
	svc := &testService{descriptor: echoDescriptor(message.MethodRESPMOD), preview: PreviewAllow206}
	srv := newTestServer(svc)
	conn := startTestServer(t, srv)

	resHdr := "HTTP/1.1 200 OK\r\n\r\n"
	body := "abcdefgh"
	reqHdr := "RESPMOD icap://localhost/echo ICAP/1.0\r\n" +
		"Host: localhost\r\n" +
		"Preview: 4\r\n" +
		"Allow: 206\r\n" +
		"Encapsulated: res-hdr=0, res-body=" + itoa(len(resHdr)) + "\r\n\r\n"

	_, err := conn.Write([]byte(reqHdr))
	require.NoError(t, err)
	_, err = conn.Write([]byte(resHdr))
	require.NoError(t, err)
	_, err = conn.Write([]byte(encodeChunk(body[:4])))
	require.NoError(t, err)
	_, err = conn.Write([]byte("0; ieof\r\n\r\n"))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, "206")
	require.Contains(t, resp, "use-original-body=4")
}

func TestBadEncapsulatedRejected(t *testing.T) {
	svc := &testService{descriptor: echoDescriptor(message.MethodREQMOD)}
	srv := newTestServer(svc)
	conn := startTestServer(t, srv)

	reqHdr := "REQMOD icap://localhost/echo ICAP/1.0\r\n" +
		"Host: localhost\r\n" +
		"Encapsulated: req-hdr=10, req-body=0\r\n\r\n"
	_, err := conn.Write([]byte(reqHdr))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, "400")
}

func TestAuthRequiredChallenges(t *testing.T) {
	svc := &testService{descriptor: echoDescriptor(message.MethodREQMOD), end: EndAllow204}
	acl := access.NewConfig()
	require.NoError(t, acl.ParseDirective("acl everyone src 0.0.0.0/0", nil))
	require.NoError(t, acl.ParseDirective("icap_access auth everyone", acl.RequestChain))

	srv := newTestServer(svc)
	srv.Access = acl

	conn := startTestServer(t, srv)

	reqHdr := "REQMOD icap://localhost/echo ICAP/1.0\r\n" +
		"Host: localhost\r\n" +
		"Encapsulated: null-body=0\r\n\r\n"
	_, err := conn.Write([]byte(reqHdr))
	require.NoError(t, err)

	resp := readResponse(t, conn)
	require.Contains(t, resp, "407")
	require.Contains(t, resp, "Proxy-Authenticate: Basic")
}

func itoa(n int) string { return strconv.Itoa(n) }

func encodeChunk(s string) string {
	return fmt.Sprintf("%x\r\n%s\r\n", len(s), s)
}
