package smtpserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"
)

// ConnState is a coarse phase of the per-connection state machine.
// Several fields below (AUTHENTICATING via nextLineHandler, UPGRADING via
// the STARTTLS handshake itself) are represented structurally rather than
// as a ConnState value, per the design notes on deferred next-line
// handlers.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateGreeted
	StateIdentified
	StateTransaction
	StateData
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateGreeted:
		return "GREETED"
	case StateIdentified:
		return "IDENTIFIED"
	case StateTransaction:
		return "TRANSACTION"
	case StateData:
		return "DATA"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// TLSSummary is the cipher information captured once a handshake
// completes, per Session.TLSInfo.
type TLSSummary struct {
	Version            uint16
	CipherSuite        uint16
	ServerName         string
	NegotiatedProtocol string
}

// AuthInfo records the outcome of a successful AUTH.
type AuthInfo struct {
	Identity        string
	Mechanism       string
	AuthenticatedAt time.Time
}

// Envelope is the in-progress or most recently completed mail transaction.
type Envelope struct {
	MailFrom *Address
	RcptTo   []Address
}

func (e *Envelope) reset() {
	e.MailFrom = nil
	e.RcptTo = nil
}

// addRecipient appends addr, replacing any existing recipient that shares
// its case-insensitive address, in place (S2's "later supersedes earlier,
// keeps the earlier position" rule).
func (e *Envelope) addRecipient(addr Address) {
	lower := strings.ToLower(addr.String())
	for i, r := range e.RcptTo {
		if strings.ToLower(r.String()) == lower {
			e.RcptTo[i] = addr
			return
		}
	}
	e.RcptTo = append(e.RcptTo, addr)
}

// Session is one accepted connection: the data model of §3, plus the
// plumbing (socket, buffered I/O, counters) the state machine needs to
// drive it. Session outlives individual mail transactions.
type Session struct {
	ID string

	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	ctx    context.Context
	cancel context.CancelFunc

	LocalAddress, RemoteAddress string
	LocalPort, RemotePort       int

	ClientHostname    string
	OpeningCommand    string
	HostNameAppearsAs string

	Secure  bool
	TLSInfo *TLSSummary

	Auth AuthInfo

	Transaction int
	Envelope    Envelope

	XClient  map[string]string
	XForward map[string]string

	LastError error

	mu                sync.RWMutex
	state             ConnState
	unauthCount       int
	unrecCount        int
	nextLineHandler   func(*Session, string) (Response, error)
	xclientAddrLocked bool
	createdAt         time.Time
	lmtp              bool
	closed            bool

	// writeMu serializes every write to writer. The serve goroutine writes
	// its own command responses here, but Close can also force a 421 onto
	// a session from the supervisor goroutine while serve is mid-dispatch;
	// bufio.Writer is not safe for concurrent use, so both paths must go
	// through this lock rather than racing on the same buffer.
	writeMu sync.Mutex
}

func newSession(srv *Server, conn net.Conn) *Session {
	return newSessionWithReader(srv, conn, bufio.NewReaderSize(conn, 64*1024))
}

// newSessionWithReader is used by the accept path when a PROXY v1 header
// has already been consumed from conn through reader: the reader may hold
// buffered bytes past the header that must not be dropped by allocating a
// fresh one.
func newSessionWithReader(srv *Server, conn net.Conn, reader *bufio.Reader) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:        newSessionID(),
		server:    srv,
		conn:      conn,
		reader:    reader,
		writer:    bufio.NewWriterSize(conn, 64*1024),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
		createdAt: time.Now(),
		lmtp:      srv.config.LMTP,
	}

	if ra, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		sess.RemoteAddress = normalizeIP(ra.IP)
		sess.RemotePort = ra.Port
	}
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		sess.LocalAddress = normalizeIP(la.IP)
		sess.LocalPort = la.Port
	}
	sess.ClientHostname = "[" + sess.RemoteAddress + "]"

	return sess
}

// normalizeIP strips an IPv4-mapped IPv6 "::ffff:" prefix.
func normalizeIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// TransmissionType derives the {SMTP,ESMTP,LMTP}[S][A] token for logging
// and for the EHLO/HELO banner's self-description.
func (s *Session) TransmissionType() string {
	base := "SMTP"
	if s.lmtp {
		base = "LMTP"
	} else if strings.EqualFold(s.OpeningCommand, "EHLO") {
		base = "ESMTP"
	}
	if s.Secure {
		base += "S"
	}
	if s.Auth.Identity != "" {
		base += "A"
	}
	return base
}

func (s *Session) resetEnvelope() {
	s.mu.Lock()
	s.Envelope.reset()
	s.mu.Unlock()
}

// UpgradeToTLS performs the server side of a TLS handshake (used for both
// implicit TLS and STARTTLS) and rewraps the buffered I/O around the
// resulting connection.
func (s *Session) UpgradeToTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(s.conn, cfg)
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		return err
	}
	s.conn = tlsConn
	s.reader = bufio.NewReaderSize(tlsConn, 64*1024)
	s.writer = bufio.NewWriterSize(tlsConn, 64*1024)

	st := tlsConn.ConnectionState()
	s.mu.Lock()
	s.Secure = true
	s.TLSInfo = &TLSSummary{
		Version:            st.Version,
		CipherSuite:        st.CipherSuite,
		ServerName:         st.ServerName,
		NegotiatedProtocol: st.NegotiatedProtocol,
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosing
	s.mu.Unlock()

	s.cancel()
	s.writeMu.Lock()
	_ = s.writer.Flush()
	s.writeMu.Unlock()
	err := s.conn.Close()

	if cb := s.server.config.Callbacks; cb != nil && cb.OnClose != nil {
		cb.OnClose(s)
	}
	return err
}

// writeResponse serializes against Close's forced-shutdown write path (see
// writeMu) so a 421-on-close can never interleave with this session's own
// in-flight reply on the shared bufio.Writer.
func (s *Session) writeResponse(r Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return r.WriteTo(s.writer)
}
