package icapclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

// Request represents an ICAP request the Client can carry out: the ICAP
// method and target URL, its own header block, and the encapsulated HTTP
// request and/or response that give the request its meaning.
type Request struct {
	ctx    context.Context
	Method string
	URL    *url.URL
	Header http.Header

	HTTPRequest  *http.Request
	HTTPResponse *http.Response

	// PreviewBytes is the number of body bytes carried in the preview
	// chunk, set by SetPreview.
	PreviewBytes int

	previewSet            bool
	bodyFittedInPreview   bool
	remainingPreviewBytes []byte

	status Status
}

// NewRequest builds a Request for method against urlStr, validating that
// the URL uses the icap:// scheme and carries a host, and that httpReq/
// httpResp are present or absent as the method requires.
func NewRequest(ctx context.Context, method, urlStr string, httpReq *http.Request, httpResp *http.Response) (*Request, error) {
	if ctx == nil {
		return nil, ErrNoContext
	}

	switch method {
	case MethodOPTIONS, MethodREQMOD, MethodRESPMOD:
	default:
		return nil, ErrMethodNotAllowed
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	if u.Scheme != schemeICAP {
		return nil, ErrInvalidScheme
	}
	if u.Host == "" {
		return nil, ErrInvalidHost
	}

	if method == MethodREQMOD {
		if httpReq == nil {
			return nil, ErrREQMODWithoutReq
		}
		if httpResp != nil {
			return nil, ErrREQMODWithResp
		}
	}
	if method == MethodRESPMOD && httpResp == nil {
		return nil, ErrRESPMODWithoutResp
	}

	return &Request{
		ctx:          ctx,
		Method:       method,
		URL:          u,
		Header:       make(http.Header),
		HTTPRequest:  httpReq,
		HTTPResponse: httpResp,
		status:       StatusInit,
	}, nil
}

// setDefaultRequestHeaders fills in the Allow and Host headers when the
// caller didn't already set them.
func (r *Request) setDefaultRequestHeaders() {
	if _, exists := r.Header["Allow"]; !exists {
		r.Header.Set("Allow", "204")
	}
	if _, exists := r.Header["Host"]; !exists {
		if h, err := os.Hostname(); err == nil {
			r.Header.Set("Host", h)
		}
	}
}

// extendHeader merges an externally obtained header block (typically an
// OPTIONS response's headers) into the request, most commonly used to
// carry Allow/Transfer-Preview advertising into a later REQMOD/RESPMOD
// call.
func (r *Request) extendHeader(h http.Header) error {
	for name, vals := range h {
		for _, v := range vals {
			r.Header.Add(name, v)
		}
	}
	return nil
}

// SetPreview buffers up to n bytes of the encapsulated HTTP body, records
// how many bytes were actually allocated to the preview (the body may be
// shorter than n) and whether the whole body fit, then restores the body
// reader so the rest of the pipeline can still read it from the start.
func (r *Request) SetPreview(n int) error {
	var body io.ReadCloser
	switch r.Method {
	case MethodREQMOD:
		if r.HTTPRequest == nil || r.HTTPRequest.Body == nil {
			return nil
		}
		body = r.HTTPRequest.Body
	case MethodRESPMOD:
		if r.HTTPResponse == nil || r.HTTPResponse.Body == nil {
			return nil
		}
		body = r.HTTPResponse.Body
	default:
		return nil
	}

	full, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	_ = body.Close()

	allocated := n
	if allocated > len(full) {
		allocated = len(full)
	}

	r.PreviewBytes = allocated
	r.previewSet = true
	r.bodyFittedInPreview = allocated == len(full)
	if r.bodyFittedInPreview {
		r.remainingPreviewBytes = nil
	} else {
		r.remainingPreviewBytes = full[allocated:]
	}

	r.Header.Set(previewHeader, strconv.Itoa(allocated))

	restored := io.NopCloser(bytes.NewReader(full))
	switch r.Method {
	case MethodREQMOD:
		r.HTTPRequest.Body = restored
	case MethodRESPMOD:
		r.HTTPResponse.Body = restored
	}
	return nil
}
