package smtpserver

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server is the supervisor of §4.5: it accepts sockets, tracks the live
// connection set, orchestrates implicit/STARTTLS TLS, and drives a
// two-phase graceful close. All configuration is read-only after
// NewServer except through UpdateSecureContext.
type Server struct {
	config *ServerConfig

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	closing  bool
	closed   chan struct{}

	tlsMu      sync.RWMutex
	defaultTLS *tls.Config
	sniTLS     SNIOptions

	errCh chan error
}

// NewServer constructs a Server from cfg. cfg is not copied; mutating it
// after NewServer (other than through UpdateSecureContext) is undefined.
func NewServer(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig("localhost")
	}
	return &Server{
		config:     cfg,
		sessions:   make(map[*Session]struct{}),
		closed:     make(chan struct{}),
		defaultTLS: cfg.TLSConfig,
		sniTLS:     cfg.SNIOptions,
		errCh:      make(chan error, 8),
	}
}

// Errors returns the supervisor error channel: fatal listener-level
// errors that do not directly affect any single peer, per §7's
// propagation policy.
func (srv *Server) Errors() <-chan error { return srv.errCh }

func (srv *Server) reportError(err error) {
	select {
	case srv.errCh <- err:
	default:
		srv.logger().Error("supervisor error channel full, dropping", slog.Any("error", err))
	}
}

// ListenAndServe listens on addr and serves until Close is called. The
// listener is wrapped in TLS immediately when ServerConfig.Secure is set.
func (srv *Server) ListenAndServe(addr string) error {
	var ln net.Listener
	var err error
	if srv.config.Secure && !srv.config.NeedsUpgrade {
		ln, err = tls.Listen("tcp", addr, srv.tlsConfigForListener())
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtpserver: listen: %w", err)
	}
	return srv.Serve(ln)
}

func (srv *Server) tlsConfigForListener() *tls.Config {
	base := srv.defaultTLSConfig()
	cfg := base.Clone()
	cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		return srv.secureContextFor(hello.ServerName), nil
	}
	return cfg
}

func (srv *Server) defaultTLSConfig() *tls.Config {
	srv.tlsMu.RLock()
	defer srv.tlsMu.RUnlock()
	if srv.defaultTLS != nil {
		return srv.defaultTLS
	}
	return &tls.Config{}
}

// secureContextFor resolves the TLS material for servername, per the SNI
// map in §4.4's STARTTLS handling: an exact, lowercased match, else the
// "*" default, else whatever static config the listener was built with.
func (srv *Server) secureContextFor(servername string) *tls.Config {
	srv.tlsMu.RLock()
	defer srv.tlsMu.RUnlock()

	if srv.sniTLS != nil {
		key := strings.ToLower(servername)
		if cfg, ok := srv.sniTLS[key]; ok {
			return cfg
		}
		if cfg, ok := srv.sniTLS["*"]; ok {
			return cfg
		}
	}
	if srv.defaultTLS != nil {
		return srv.defaultTLS
	}
	return &tls.Config{}
}

// UpdateSecureContext atomically replaces the TLS material used by future
// handshakes. Already-handshaken connections are unaffected.
func (srv *Server) UpdateSecureContext(defaultCfg *tls.Config, sni SNIOptions) {
	srv.tlsMu.Lock()
	defer srv.tlsMu.Unlock()
	srv.defaultTLS = defaultCfg
	srv.sniTLS = sni
}

// Serve accepts connections on ln until the server is closed.
func (srv *Server) Serve(ln net.Listener) error {
	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()

	srv.logger().Info("smtp server listening", slog.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			srv.mu.Lock()
			closing := srv.closing
			srv.mu.Unlock()
			if closing {
				return ErrServerClosed
			}
			srv.reportError(fmt.Errorf("smtpserver: accept: %w", err))
			continue
		}
		go srv.accept(conn)
	}
}

// accept admits one raw connection: PROXY consumption, admission control,
// TLS orchestration, then hands off to the connection state machine.
func (srv *Server) accept(conn net.Conn) {
	srv.mu.Lock()
	if srv.closing {
		srv.mu.Unlock()
		_ = conn.Close()
		return
	}
	if limit := srv.config.MaxClients; limit > 0 && len(srv.sessions) >= limit {
		srv.mu.Unlock()
		srv.reject421(conn)
		return
	}
	srv.mu.Unlock()

	if srv.isIgnoredHost(conn.RemoteAddr()) {
		_ = conn.Close()
		return
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	var proxyOverride *proxyHeader
	if srv.shouldUseProxy(conn.RemoteAddr()) {
		hdr, err := readProxyHeader(reader)
		if err != nil {
			srv.logger().Warn("malformed PROXY header, dropping connection", slog.Any("error", err))
			_ = conn.Close()
			return
		}
		proxyOverride = hdr
	}

	if srv.config.Secure && srv.config.NeedsUpgrade {
		tlsConn := tls.Server(conn, srv.tlsConfigForListener())
		if err := tlsConn.Handshake(); err != nil {
			srv.logger().Warn("pre-greeting TLS upgrade failed", slog.Any("error", err))
			_ = conn.Close()
			return
		}
		conn = tlsConn
		reader = bufio.NewReaderSize(conn, 64*1024)
	}

	sess := newSessionWithReader(srv, conn, reader)
	if proxyOverride != nil {
		sess.RemoteAddress = proxyOverride.srcIP
		sess.RemotePort = proxyOverride.srcPort
		sess.LocalAddress = proxyOverride.dstIP
		sess.LocalPort = proxyOverride.dstPort
		sess.ClientHostname = "[" + sess.RemoteAddress + "]"
	}
	if tlsConn, ok := conn.(*tls.Conn); ok && srv.config.Secure {
		st := tlsConn.ConnectionState()
		sess.Secure = true
		sess.TLSInfo = &TLSSummary{
			Version:            st.Version,
			CipherSuite:        st.CipherSuite,
			ServerName:         st.ServerName,
			NegotiatedProtocol: st.NegotiatedProtocol,
		}
	}

	srv.mu.Lock()
	srv.sessions[sess] = struct{}{}
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, sess)
		srv.mu.Unlock()
	}()

	srv.serve(sess)
}

func (srv *Server) reject421(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	w := bufio.NewWriter(conn)
	resp := respServiceUnavailable(srv.name() + " too many connections")
	_ = resp.WriteTo(w)
	_ = conn.Close()
}

func (srv *Server) isIgnoredHost(addr net.Addr) bool {
	if len(srv.config.IgnoredHosts) == 0 {
		return false
	}
	host := hostOf(addr)
	for _, h := range srv.config.IgnoredHosts {
		if h == host {
			return true
		}
	}
	return false
}

func (srv *Server) shouldUseProxy(addr net.Addr) bool {
	if !srv.config.UseProxy {
		return false
	}
	if len(srv.config.ProxyOnlyFrom) == 0 {
		return true
	}
	host := net.ParseIP(hostOf(addr))
	if host == nil {
		return false
	}
	for _, cidr := range srv.config.ProxyOnlyFrom {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil && network.Contains(host) {
			return true
		}
	}
	return false
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// proxyHeader is the decoded form of a PROXY v1 prelude line.
type proxyHeader struct {
	srcIP   string
	srcPort int
	dstIP   string
	dstPort int
}

// readProxyHeader consumes a single PROXY v1 line of the form
// "PROXY TCP4 <src> <dst> <sport> <dport>\r\n" from r, without forwarding
// those bytes to the SMTP parser.
func readProxyHeader(r *bufio.Reader) (*proxyHeader, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProxyHeader, err)
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "PROXY" {
		return nil, fmt.Errorf("%w: malformed prelude", ErrBadProxyHeader)
	}
	switch fields[1] {
	case "TCP4", "TCP6":
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %s", ErrBadProxyHeader, fields[1])
	}
	sport, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, fmt.Errorf("%w: bad source port", ErrBadProxyHeader)
	}
	dport, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, fmt.Errorf("%w: bad destination port", ErrBadProxyHeader)
	}
	return &proxyHeader{srcIP: fields[2], srcPort: sport, dstIP: fields[3], dstPort: dport}, nil
}

// Close performs the two-phase graceful shutdown of §4.5: stop accepting,
// wait up to CloseTimeout for connections to finish on their own, then
// send 421 to any still-open connections and close them. No new commands
// are processed on any connection once this begins.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closing {
		srv.mu.Unlock()
		return nil
	}
	srv.closing = true
	ln := srv.listener
	srv.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	deadline := time.After(srv.config.closeTimeout())
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		if srv.liveCount() == 0 {
			break
		}
		select {
		case <-deadline:
			break waitLoop
		case <-ticker.C:
		}
	}

	srv.mu.Lock()
	remaining := make([]*Session, 0, len(srv.sessions))
	for sess := range srv.sessions {
		remaining = append(remaining, sess)
	}
	srv.mu.Unlock()

	for _, sess := range remaining {
		// Mark the session closing before writing so serve's read loop
		// (which checks State between commands) does not dispatch another
		// command concurrently with this forced reply; writeResponse's own
		// lock keeps the write itself race-free regardless.
		sess.setState(StateClosing)
		sess.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		sess.writeResponse(respServiceUnavailable(srv.name() + " shutting down"))
		sess.close()
	}

	close(srv.closed)
	return nil
}

func (srv *Server) liveCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// Done is closed once Close has finished tearing down every connection.
func (srv *Server) Done() <-chan struct{} { return srv.closed }

// Addr returns the listener's network address, or nil if not yet serving.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}
