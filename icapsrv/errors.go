package icapsrv

import "errors"

// Error kinds the transaction loop distinguishes. They are plain
// sentinels, matched with errors.Is; the ICAP status written for each
// and whether the connection is kept are decided where they arise.
var (
	ErrProtocolFraming  = errors.New("icapsrv: protocol framing error")
	ErrServiceNotFound  = errors.New("icapsrv: unknown service")
	ErrMethodNotAllowed = errors.New("icapsrv: service does not support method")
	ErrAccessDenied     = errors.New("icapsrv: access denied")
	ErrAuthRequired     = errors.New("icapsrv: authentication required")
	ErrTimeout          = errors.New("icapsrv: timeout")
	ErrServiceError     = errors.New("icapsrv: service hook returned an error")
	ErrTransport        = errors.New("icapsrv: transport error after response started")
	ErrShuttingDown     = errors.New("icapsrv: transaction aborted by global halt flag")
)
