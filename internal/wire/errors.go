package wire

import "errors"

// Error taxonomy per the broker's error handling design: transport failures
// are retried or terminate a session, protocol failures always terminate
// the session, and stale/unknown references are logged and dropped.
var (
	ErrTransport         = errors.New("wire: transport error")
	ErrVersionMismatch   = errors.New("wire: version mismatch")
	ErrMalformedFrame    = errors.New("wire: malformed frame")
	ErrUnknownConnection = errors.New("wire: unknown connection")
	ErrStaleResponse     = errors.New("wire: stale response")
)
