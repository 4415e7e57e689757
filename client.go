package icapclient

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Conn abstracts the transport an icap Client drives a transaction over,
// so tests can substitute a fake without opening a real socket.
type Conn interface {
	Connect(ctx context.Context, address string, timeout time.Duration) error
	Send(in []byte) ([]byte, error)
	Close() error
}

// Client represents the icap client who makes the icap server calls
type Client struct {
	conn Conn
	opts Options
}

// NewClient creates a new icap client
func NewClient(opts Options) (*Client, error) {
	conn, err := NewICAPConn()
	if err != nil {
		return nil, err
	}

	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}

	return &Client{
		conn: conn,
		opts: opts,
	}, nil
}

// Do drives the request through the client-side state progression in
// its blocking form: connect, send the ICAP/HTTP headers (with the
// preview chunk if one is set), read the interim response, and either
// return immediately (204/206) or send the rest of the body and
// read the final response.
func (c *Client) Do(req *Request) (resp *Response, err error) {
	req.status = StatusInit

	if err := c.conn.Connect(req.ctx, req.URL.Host, c.opts.Timeout); err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, c.conn.Close())
	}()

	req.setDefaultRequestHeaders()
	req.status = StatusSendHeaders

	message, err := toICAPRequest(req)
	if err != nil {
		return nil, err
	}

	req.status = StatusSendICAPHeaders
	dataRes, err := c.conn.Send(message)
	if err != nil {
		return nil, err
	}

	req.status = StatusReadPreviewResponse
	resp, err = toClientResponse(bufio.NewReader(strings.NewReader(string(dataRes))))
	if err != nil {
		return nil, err
	}

	// not mid-preview, or the whole body already fit in the preview chunk:
	// whatever came back is the final response.
	if resp.StatusCode != http.StatusContinue || !req.previewSet || req.bodyFittedInPreview {
		req.status = StatusProcessEOF
		return resp, nil
	}

	// 100 Continue: the service wants the rest of the body.
	req.status = StatusSendPreview
	data := req.remainingPreviewBytes
	if !bodyAlreadyChunked(string(data)) {
		data = []byte(addHexBodyByteNotations(string(data)))
	}
	if !strings.HasSuffix(string(data), doubleCRLF) {
		data = append(data, []byte(crlf)...)
	}

	req.status = StatusProcessBody
	dataRes, err = c.conn.Send(data)
	if err != nil {
		return nil, err
	}

	req.status = StatusProcessEOF
	return toClientResponse(bufio.NewReader(strings.NewReader(string(dataRes))))
}
