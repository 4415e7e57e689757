package icapsrv

import "time"

// Config holds the server's tunables, including three compatibility
// knobs left as deployment decisions rather than resolved outright.
type Config struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	KeepaliveTimeout time.Duration
	Pipelining       bool

	// Allow204As200ZeroEncaps rewrites a 204 response into "200 OK"
	// with a zero-length-headers Encapsulated:, a wire-compatibility
	// knob for clients that reject bare 204s outside preview.
	Allow204As200ZeroEncaps bool

	// FakeAllow204 selects option (a) — echoing the still-incoming
	// request/response body back verbatim — when a service returns
	// ALLOW_204 outside preview without 204-outside-preview having been
	// negotiated and a body is present. When false, option (b) is used:
	// an echo response built from the original HTTP headers with no
	// streamed body.
	FakeAllow204 bool

	// PadMissingBodyTerminator treats a connection closed mid-chunk-
	// stream as an implicit terminating chunk rather than a framing
	// error, tolerating a known class of buggy client that drops the
	// connection instead of sending a final "0\r\n\r\n".
	PadMissingBodyTerminator bool

	AuthRealm string

	// LogFormat is the "%"-directive template used for the per-
	// transaction summary line; a Service may override it per request
	// via Transaction.LogFormatOverride.
	LogFormat string
}

// DefaultConfig returns the recorded decisions for the three
// compatibility knobs plus sane timeouts.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		KeepaliveTimeout:         10 * time.Second,
		Pipelining:               true,
		Allow204As200ZeroEncaps:  false,
		FakeAllow204:             false,
		PadMissingBodyTerminator: true,
		AuthRealm:                "icap",
		LogFormat:                "%a %la \"%m icap://%s\" %Sl %<b %>b",
	}
}
