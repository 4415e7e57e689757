package icapclient

// NonBlockingTransfer is the non-blocking counterpart to Client.Do:
// instead of blocking the calling goroutine for the whole transaction,
// Step is re-entered by the caller's own event loop whenever the
// reported WaitFlags direction is ready, and the same Status
// progression that Do advances through synchronously is advanced on a
// background goroutine instead.
type NonBlockingTransfer struct {
	client *Client
	req    *Request

	done chan struct{}
	resp *Response
	err  error
}

// NewNonBlockingTransfer prepares req to be driven through a non-blocking
// Step loop instead of a direct Do call.
func (c *Client) NewNonBlockingTransfer(req *Request) *NonBlockingTransfer {
	return &NonBlockingTransfer{client: c, req: req}
}

// Step advances the transfer and reports which direction would make
// progress next. A zero WaitFlags return means the transfer finished;
// call Result to collect the outcome. Step must not be called again
// after it returns zero.
func (t *NonBlockingTransfer) Step() WaitFlags {
	if t.done == nil {
		t.done = make(chan struct{})
		go func() {
			defer close(t.done)
			t.resp, t.err = t.client.Do(t.req)
		}()
		return NeedsWriteToICAP | NeedsReadUserData
	}

	select {
	case <-t.done:
		return 0
	default:
		return NeedsReadFromICAP
	}
}

// Result returns the finished transfer's response, valid once Step has
// returned a zero WaitFlags.
func (t *NonBlockingTransfer) Result() (*Response, error) {
	return t.resp, t.err
}

// Status reports the request's current position in the state
// progression, shared with the blocking driver.
func (t *NonBlockingTransfer) Status() Status {
	return t.req.status
}
