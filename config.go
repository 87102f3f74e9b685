package smtpserver

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// AuthRequest is passed to Callbacks.OnAuth for each AUTH attempt.
type AuthRequest struct {
	Method            string
	Username          string
	Password          string
	AccessToken       string
	Challenge         string
	ChallengeResponse string

	// ValidatePassword, set only for CRAM-MD5, computes HMAC-MD5(password,
	// challenge) in hex and compares it case-insensitively to the
	// client's response. It is the host's only way to check a CRAM-MD5
	// reply without the core ever seeing the plaintext password itself.
	ValidatePassword func(password string) bool
}

// AuthResult is the host's answer to an OnAuth call.
type AuthResult struct {
	User         string
	Data         string
	Message      string
	ResponseCode SMTPCode
}

// HandlerError lets a callback dictate the exact SMTP response code and
// message for a rejection instead of accepting the core's default.
type HandlerError struct {
	Code    SMTPCode
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// Callbacks is the Handler Contract Surface: every field is optional, and
// a nil field means "accept" or "no-op" as documented per field.
type Callbacks struct {
	// OnConnect runs after reverse DNS resolves (or times out) and before
	// the greeting is sent. A returned error aborts the connection.
	OnConnect func(sess *Session) error

	// OnAuth validates an AUTH attempt and returns the resulting identity.
	OnAuth func(sess *Session, req AuthRequest) (AuthResult, error)

	// OnMailFrom validates the sender address and parameters.
	OnMailFrom func(sess *Session, addr Address) error

	// OnRcptTo validates one recipient address and parameters.
	OnRcptTo func(sess *Session, addr Address) error

	// OnData receives the dot-unstuffed message body. It must read body
	// to completion. In LMTP mode it may return *LMTPResult to give a
	// distinct outcome per recipient, in the original RCPT order.
	OnData func(sess *Session, body *BodyReader) error

	// OnSecure runs once a TLS handshake (implicit or STARTTLS) completes.
	OnSecure func(sess *Session) error

	// OnClose runs exactly once, when the connection is torn down.
	OnClose func(sess *Session)

	// OnUnknownCommand lets a host observe (but not change the fate of)
	// an unrecognised verb, e.g. for metrics.
	OnUnknownCommand func(sess *Session, verb, args string)
}

// LMTPResult carries one outcome per recipient for an LMTP OnData call,
// in the same order as Session.Envelope.RcptTo.
type LMTPResult struct {
	Responses []error
}

// Error lets *LMTPResult be returned directly as OnData's error, and
// unwrapped again with errors.As on the dispatch side.
func (r *LMTPResult) Error() string {
	return "per-recipient LMTP outcome"
}

// ReverseLookup resolves the hostname(s) for a remote IP. Implementations
// should honor ctx's deadline; the core applies a 1.5s cap regardless.
type ReverseLookup func(addr string) ([]string, error)

// SNIOptions selects TLS material by requested server name. The key "*"
// is the default used when SNI is absent or unmatched.
type SNIOptions map[string]*tls.Config

// ServerConfig configures a Server. Zero value is usable; DefaultServerConfig
// and SubmissionConfig provide sane starting points.
type ServerConfig struct {
	Name   string // advertised hostname, e.g. "mx.example.com"
	Banner string // appended to the 220 greeting

	Secure       bool // wrap every accepted socket in TLS immediately
	NeedsUpgrade bool // accept plaintext, then upgrade before greeting
	TLSConfig    *tls.Config
	SNIOptions   SNIOptions

	Size     int64 // SIZE extension value and DATA byte cap; 0 = unlimited
	HideSize bool

	AuthMethods       []string // subset of PLAIN, LOGIN, XOAUTH2, CRAM-MD5
	AuthOptional      bool     // allow MAIL/RCPT/DATA without authentication
	AllowInsecureAuth bool     // permit AUTH before STARTTLS

	DisabledCommands []string

	HideSTARTTLS            bool
	HidePIPELINING          bool
	Hide8BITMIME            bool
	HideSMTPUTF8            bool
	HideDSN                 bool
	HideEnhancedStatusCodes bool
	HideRequireTLS          bool
	RequireTLSAdvertised    bool // advertise REQUIRETLS at all

	MaxClients    int
	SocketTimeout time.Duration
	CloseTimeout  time.Duration

	UseProxy      bool
	ProxyOnlyFrom []string // CIDRs; empty means all listener addresses

	UseXClient  bool
	UseXForward bool

	LMTP bool

	DisableReverseLookup bool
	ReverseLookup        ReverseLookup

	IgnoredHosts []string // addresses whose sessions are silently discarded

	UnauthenticatedCommandLimit int // default 10
	UnrecognisedCommandLimit    int // default 10

	MaxRecipients int // default 100, 0 = unlimited

	Callbacks *Callbacks
	Logger    *slog.Logger
}

// DefaultServerConfig returns configuration for a plain MTA-style listener
// on port 25: no mandatory auth, STARTTLS offered, reverse DNS enabled.
func DefaultServerConfig(name string) *ServerConfig {
	return &ServerConfig{
		Name:                        name,
		AuthMethods:                 nil,
		AuthOptional:                true,
		SocketTimeout:               60 * time.Second,
		CloseTimeout:                30 * time.Second,
		MaxClients:                  0,
		UnauthenticatedCommandLimit: 10,
		UnrecognisedCommandLimit:    10,
		MaxRecipients:               100,
		Size:                        25 * 1024 * 1024,
	}
}

// SubmissionConfig returns configuration suited to a port-587-style mail
// submission agent: authentication is mandatory and STARTTLS is required
// before AUTH unless AllowInsecureAuth is set by the caller afterward.
func SubmissionConfig(name string) *ServerConfig {
	cfg := DefaultServerConfig(name)
	cfg.AuthMethods = []string{"PLAIN", "LOGIN"}
	cfg.AuthOptional = false
	cfg.AllowInsecureAuth = false
	return cfg
}

func (cfg *ServerConfig) logger() *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.Default()
}

func (cfg *ServerConfig) unauthLimit() int {
	if cfg.UnauthenticatedCommandLimit > 0 {
		return cfg.UnauthenticatedCommandLimit
	}
	return 10
}

func (cfg *ServerConfig) unrecognisedLimit() int {
	if cfg.UnrecognisedCommandLimit > 0 {
		return cfg.UnrecognisedCommandLimit
	}
	return 10
}

func (cfg *ServerConfig) socketTimeout() time.Duration {
	if cfg.SocketTimeout > 0 {
		return cfg.SocketTimeout
	}
	return 60 * time.Second
}

func (cfg *ServerConfig) closeTimeout() time.Duration {
	if cfg.CloseTimeout > 0 {
		return cfg.CloseTimeout
	}
	return 30 * time.Second
}

func (cfg *ServerConfig) maxRecipients() int {
	if cfg.MaxRecipients > 0 {
		return cfg.MaxRecipients
	}
	return 100
}
