package perch

import "errors"

// Common SMTP engine errors.
var (
	ErrServerClosed  = errors.New("smtp: server closed")
	ErrSessionClosed = errors.New("smtp: session closed")
	ErrLineTooLong   = errors.New("smtp: line too long")
	ErrBodyTooLarge  = errors.New("smtp: message body too large")
	ErrBadAddress    = errors.New("smtp: malformed address")
)
