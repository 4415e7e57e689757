package icapclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gicap/gicap/access"
	"github.com/gicap/gicap/icapsrv"
	"github.com/gicap/gicap/message"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
)

// echoState is a minimal icapsrv.ServiceState used to exercise the client
// against a real server: it allows 204 whenever the preview verdict says
// so, otherwise echoes the body back byte for byte.
type echoState struct {
	allow204OnPreview bool
}

func (s *echoState) CheckPreview(data []byte, t *message.Transaction) (icapsrv.PreviewVerdict, error) {
	if s.allow204OnPreview {
		return icapsrv.PreviewAllow204, nil
	}
	return icapsrv.PreviewContinue, nil
}

func (s *echoState) IO(in, out []byte, eof bool, t *message.Transaction) (icapsrv.IOVerdict, int, int, error) {
	n := copy(out, in)
	v := icapsrv.IOOk
	if eof && n == len(in) {
		v = icapsrv.IOEOF
	}
	return v, n, n, nil
}

func (s *echoState) EndOfData(t *message.Transaction) (icapsrv.EndVerdict, error) { return icapsrv.EndDone, nil }
func (s *echoState) Release()                                                    {}

type echoService struct {
	descriptor        icapsrv.ServiceDescriptor
	allow204OnPreview bool
}

func (s *echoService) Descriptor() icapsrv.ServiceDescriptor { return s.descriptor }
func (s *echoService) Init(t *message.Transaction) (icapsrv.ServiceState, error) {
	return &echoState{allow204OnPreview: s.allow204OnPreview}, nil
}

func startEchoServer(t *testing.T, svc icapsrv.Service) string {
	t.Helper()
	reg := icapsrv.NewRegistry()
	reg.Register("echo", svc)
	reg.Default = "echo"

	cfg := icapsrv.DefaultConfig()
	cfg.ReadTimeout = 2 * time.Second
	cfg.KeepaliveTimeout = 200 * time.Millisecond

	srv := icapsrv.NewServer(cfg, reg, access.NewConfig(), nil, nil)

	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go srv.Serve(ln)

	return ln.Addr().String()
}

func TestClientOptions(t *testing.T) {
	addr := startEchoServer(t, &echoService{descriptor: icapsrv.ServiceDescriptor{
		Name:        "echo",
		Description: "echo",
		ISTag:       "echo-1",
		Methods:     []message.Method{message.MethodREQMOD, message.MethodRESPMOD},
		PreviewSize: 4,
		Allow204:    true,
	}})

	client, err := NewClient(Options{Timeout: time.Second})
	require.NoError(t, err)

	req, err := NewRequest(context.Background(), MethodOPTIONS, fmt.Sprintf("icap://%s/echo", addr), nil, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "REQMOD, RESPMOD", resp.Header.Get("Methods"))
	require.Equal(t, "4", resp.Header.Get("Preview"))
}

func TestClientReqmodAllow204AfterPreview(t *testing.T) {
	addr := startEchoServer(t, &echoService{
		descriptor: icapsrv.ServiceDescriptor{
			Name:        "echo",
			Description: "echo",
			ISTag:       "echo-1",
			Methods:     []message.Method{message.MethodREQMOD},
			PreviewSize: 4,
			Allow204:    true,
		},
		allow204OnPreview: true,
	})

	client, err := NewClient(Options{Timeout: time.Second})
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, "http://someurl.com/", strings.NewReader("a body longer than the preview"))
	require.NoError(t, err)

	req, err := NewRequest(context.Background(), MethodREQMOD, fmt.Sprintf("icap://%s/echo", addr), httpReq, nil)
	require.NoError(t, err)
	require.NoError(t, req.SetPreview(4))

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClientRespmodFullExchange(t *testing.T) {
	addr := startEchoServer(t, &echoService{descriptor: icapsrv.ServiceDescriptor{
		Name:        "echo",
		Description: "echo",
		ISTag:       "echo-1",
		Methods:     []message.Method{message.MethodRESPMOD},
		PreviewSize: 4,
		Allow204:    true,
	}})

	client, err := NewClient(Options{Timeout: time.Second})
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodGet, "http://someurl.com/", nil)
	require.NoError(t, err)

	body := "this body is longer than the preview window"
	httpResp := &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		ContentLength: int64(len(body)),
		Body:          http.NoBody,
	}
	httpResp.Body = readCloserFor(body)

	req, err := NewRequest(context.Background(), MethodRESPMOD, fmt.Sprintf("icap://%s/echo", addr), httpReq, httpResp)
	require.NoError(t, err)
	require.NoError(t, req.SetPreview(4))

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.ContentResponse)
}

func readCloserFor(s string) io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }
