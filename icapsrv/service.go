// Package icapsrv implements the server-side ICAP state machine:
// request-line/header parsing, access-control gating, preview/body/
// end-of-data dispatch to a pluggable Service, and response framing,
// all driven by one goroutine per connection doing blocking reads and
// writes with deadlines.
package icapsrv

import (
	"github.com/gicap/gicap/message"
)

// PreviewVerdict is the result of a Service's preview hook.
type PreviewVerdict int

const (
	PreviewContinue PreviewVerdict = iota
	PreviewAllow204
	PreviewAllow206
)

// IOVerdict is the result of one Service I/O hook invocation.
type IOVerdict int

const (
	IOOk IOVerdict = iota
	IOEOF
)

// EndVerdict is the result of a Service's end-of-data hook.
type EndVerdict int

const (
	EndDone EndVerdict = iota
	EndAllow204
	EndAllow206
)

// ServiceDescriptor carries the fields an OPTIONS response is built
// from.
type ServiceDescriptor struct {
	Name             string
	Description      string
	ISTag            string
	Methods          []message.Method
	PreviewSize      int // -1 = no preview advertised
	Allow204         bool
	Allow206         bool
	MaxConnections   int
	OptionsTTLSecs   int
	TransferComplete []string
	TransferIgnore   []string
	TransferPreview  []string
	XInclude         []string
}

// Service is the pluggable adaptation backend the core consumes.
type Service interface {
	Descriptor() ServiceDescriptor
	Init(t *message.Transaction) (ServiceState, error)
}

// ServiceState is the per-request state a Service.Init call produces;
// its methods are the remaining service hooks
// (check_preview/io/end_of_data/release_request).
type ServiceState interface {
	// CheckPreview is invoked once per transaction with the buffered
	// preview bytes (nil as a "fake preview" when a body arrives without
	// a Preview header; never called at all when there is no body).
	CheckPreview(data []byte, t *message.Transaction) (PreviewVerdict, error)

	// IO is invoked repeatedly during the body phase. It may consume up
	// to len(in) bytes and produce up to len(out) bytes, returning how
	// many of each it actually used/filled. eof reports that no further
	// input bytes will arrive (the decoder reached its terminating
	// chunk). IOEOF signals the service itself has no more output.
	IO(in []byte, out []byte, eof bool, t *message.Transaction) (verdict IOVerdict, consumed int, produced int, err error)

	// EndOfData is invoked once the decoder has delivered the
	// terminating chunk and the service has been given a chance to
	// drain. It may still request ALLOW_204 (only meaningful if
	// nothing has been sent yet) or ALLOW_206.
	EndOfData(t *message.Transaction) (EndVerdict, error)

	// Release returns any per-request resources to the service; always
	// called exactly once per transaction, mirroring release_request.
	Release()
}

// Registry maps a URL path (the "service name") to the Service that
// handles it, plus an optional default used when the request path is
// empty, falling back to a configured default service.
type Registry struct {
	services map[string]Service
	Default  string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{services: make(map[string]Service)} }

// Register adds svc under name, overwriting any previous registration.
func (r *Registry) Register(name string, svc Service) { r.services[name] = svc }

// Lookup resolves name (falling back to Default when name is empty) and
// reports whether a service was found.
func (r *Registry) Lookup(name string) (Service, bool) {
	if name == "" {
		name = r.Default
	}
	svc, ok := r.services[name]
	return svc, ok
}

// SupportsMethod reports whether svc's descriptor lists m among its
// supported methods.
func SupportsMethod(svc Service, m message.Method) bool {
	for _, supported := range svc.Descriptor().Methods {
		if supported == m {
			return true
		}
	}
	return false
}
