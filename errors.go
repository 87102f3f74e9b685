package smtpserver

import "errors"

var (
	ErrServerClosed      = errors.New("smtpserver: server closed")
	ErrTooManyRecipients = errors.New("smtpserver: too many recipients")
	ErrMessageTooLarge   = errors.New("smtpserver: message too large")
	Err8BitIn7BitMode    = errors.New("smtpserver: 8-bit data in 7BIT mode")
	ErrTimeout           = errors.New("smtpserver: timeout")
	ErrTLSRequired       = errors.New("smtpserver: TLS required")
	ErrAuthRequired      = errors.New("smtpserver: authentication required")
	ErrInvalidCommand    = errors.New("smtpserver: invalid command")
	ErrTooManyClients    = errors.New("smtpserver: too many clients")
	ErrBadProxyHeader    = errors.New("smtpserver: malformed PROXY header")
	ErrAuthCancelled     = errors.New("smtpserver: authentication cancelled by client")
)
