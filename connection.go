package smtpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nodemailer/smtp-server/frame"
	"github.com/nodemailer/smtp-server/sasl"
)

// BodyReader is the dot-unstuffed, terminator-detecting DATA body handed
// to Callbacks.OnData. It must be read to io.EOF before OnData returns.
type BodyReader = frame.BodyReader

// errCloseAfterResponse tells the read loop to write the pending response
// and then tear the connection down, used for 421-and-close paths.
var errCloseAfterResponse = errors.New("smtpserver: close after response")

// maxEnvidLength is the RFC 3461 advisory cap this implementation chose
// to enforce, per the Open Question resolution in DESIGN.md.
const maxEnvidLength = 100

// commandHandler dispatches one command-mode line. A non-nil error other
// than errCloseAfterResponse aborts the connection without a response
// (transport failure); errCloseAfterResponse means "write resp, then close".
type commandHandler func(srv *Server, sess *Session, args string) (resp Response, err error)

var commandTable = map[string]commandHandler{
	"HELO":     handleHelo,
	"EHLO":     handleEhlo,
	"LHLO":     handleLhlo,
	"MAIL":     handleMail,
	"RCPT":     handleRcpt,
	"DATA":     handleData,
	"RSET":     handleRset,
	"NOOP":     handleNoop,
	"QUIT":     handleQuit,
	"VRFY":     handleVrfy,
	"EXPN":     handleExpn,
	"HELP":     handleHelp,
	"AUTH":     handleAuth,
	"STARTTLS": handleStartTLS,
	"XCLIENT":  handleXClient,
	"XFORWARD": handleXForward,
}

// serve drives one accepted connection end to end: early-talker detection,
// deferred greeting, then the command read loop. It returns once the
// session is closed; the caller is responsible for removing sess from the
// server's live set.
func (srv *Server) serve(sess *Session) {
	defer sess.close()

	if srv.earlyTalker(sess) {
		sess.writeResponse(respServiceUnavailable(srv.name() + " closing connection"))
		return
	}

	if !srv.greet(sess) {
		return
	}

	for {
		if sess.State() == StateClosing {
			return
		}

		sess.conn.SetReadDeadline(time.Now().Add(srv.config.socketTimeout()))
		line, err := frame.ReadCommandLine(sess.reader)
		if err != nil {
			if err != io.EOF {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					sess.LastError = ErrTimeout
				}
				srv.logTransportError(sess, err)
			}
			return
		}

		if err := srv.dispatchLine(sess, line); err != nil {
			return
		}
	}
}

// earlyTalker detects bytes arriving before the server has sent anything,
// which §4.4 treats as abuse: refuse with 421 and close.
func (srv *Server) earlyTalker(sess *Session) bool {
	sess.conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	_, err := sess.reader.Peek(1)
	sess.conn.SetReadDeadline(time.Time{})
	return err == nil
}

// greet runs reverse DNS (capped at 1.5s) and OnConnect, then sends the
// 220 banner. It returns false if the connection should be torn down
// without ever having sent a greeting.
func (srv *Server) greet(sess *Session) bool {
	if !srv.config.DisableReverseLookup {
		ctx, cancel := context.WithTimeout(sess.ctx, 1500*time.Millisecond)
		if lookup := srv.reverseLookup(); lookup != nil {
			if names, err := srv.reverseLookupWithCtx(ctx, lookup, sess.RemoteAddress); err == nil && len(names) > 0 {
				sess.ClientHostname = strings.TrimSuffix(names[0], ".")
			}
		}
		cancel()
	}

	if cb := srv.config.Callbacks; cb != nil && cb.OnConnect != nil {
		if err := cb.OnConnect(sess); err != nil {
			code, msg := codeAndMessage(err, CodeTransactionFailed, "connection rejected")
			sess.writeResponse(NewResponse(code, "", msg))
			return false
		}
	}

	sess.setState(StateGreeted)
	banner := srv.config.Banner
	greeting := fmt.Sprintf("%s ESMTP", srv.name())
	if srv.config.LMTP {
		greeting = fmt.Sprintf("%s LMTP", srv.name())
	}
	if err := sess.writeResponse(respServiceReady(greeting, banner)); err != nil {
		return false
	}
	return true
}

func (srv *Server) reverseLookup() ReverseLookup {
	return srv.config.ReverseLookup
}

func (srv *Server) reverseLookupWithCtx(ctx context.Context, lookup ReverseLookup, addr string) ([]string, error) {
	type result struct {
		names []string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		names, err := lookup(addr)
		ch <- result{names, err}
	}()
	select {
	case r := <-ch:
		return r.names, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchLine routes one already-read line, honoring a pending
// nextLineHandler (mid-SASL, mid-STARTTLS) ahead of verb dispatch.
func (srv *Server) dispatchLine(sess *Session, line string) error {
	sess.mu.Lock()
	next := sess.nextLineHandler
	sess.mu.Unlock()
	if next != nil {
		resp, err := next(sess, line)
		return srv.finishDispatch(sess, resp, err)
	}

	verb, args := splitCommand(line)
	if verb == "" {
		// Empty first line: per the Open Question resolution, this does
		// not count toward unrecognised_commands.
		return sess.writeResponse(respCommandNotRecognized(""))
	}

	if commandDisabled(srv.config, verb) {
		return srv.rejectUnrecognised(sess, verb)
	}

	handler, ok := commandTable[strings.ToUpper(verb)]
	if !ok {
		return srv.rejectUnrecognised(sess, verb)
	}

	if err := srv.checkGates(sess, verb); err != nil {
		var herr *HandlerError
		if errors.As(err, &herr) {
			return sess.writeResponse(NewResponse(herr.Code, "", herr.Message))
		}
		return sess.writeResponse(respBadSequence(err.Error()))
	}

	if strings.ToUpper(verb) != "AUTH" && sess.Auth.Identity == "" && !srv.config.AuthOptional && requiresAuth(verb) {
		return srv.bumpUnauth(sess)
	}

	resp, err := handler(srv, sess, args)
	return srv.finishDispatch(sess, resp, err)
}

func requiresAuth(verb string) bool {
	switch strings.ToUpper(verb) {
	case "MAIL", "RCPT", "DATA":
		return true
	default:
		return false
	}
}

// checkGates implements the two sequence-gates of §4.4 that are not
// naturally expressed inside an individual handler: the pre-HELO 503.
func (srv *Server) checkGates(sess *Session, verb string) error {
	switch strings.ToUpper(verb) {
	case "MAIL", "RCPT", "DATA", "AUTH":
		if sess.OpeningCommand == "" {
			return &HandlerError{Code: CodeBadSequence, Message: "send HELO/EHLO first"}
		}
	}
	return nil
}

// finishDispatch writes resp (if any) and applies err's close semantics.
func (srv *Server) finishDispatch(sess *Session, resp Response, err error) error {
	if resp.Code != 0 {
		if werr := sess.writeResponse(resp); werr != nil {
			return werr
		}
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, errCloseAfterResponse) {
		return err
	}
	return err
}

// bumpUnauth increments the unauthenticated-command counter and closes
// the connection once the configured threshold is reached.
func (srv *Server) bumpUnauth(sess *Session) error {
	sess.mu.Lock()
	sess.unauthCount++
	n := sess.unauthCount
	sess.mu.Unlock()

	if n >= srv.config.unauthLimit() {
		srv.logger().Warn("too many unauthenticated commands, closing", slog.String("session", sess.ID))
		sess.writeResponse(respServiceUnavailable("too many unauthenticated commands"))
		return errCloseAfterResponse
	}
	return sess.writeResponse(respAuthRequired(""))
}

// rejectUnrecognised increments the unrecognised-command counter and
// closes the connection once the configured threshold is reached.
func (srv *Server) rejectUnrecognised(sess *Session, verb string) error {
	if cb := srv.config.Callbacks; cb != nil && cb.OnUnknownCommand != nil {
		cb.OnUnknownCommand(sess, verb, "")
	}

	sess.mu.Lock()
	sess.unrecCount++
	n := sess.unrecCount
	sess.mu.Unlock()

	if n >= srv.config.unrecognisedLimit() {
		srv.logger().Warn("too many unrecognised commands, closing", slog.String("session", sess.ID))
		sess.writeResponse(respServiceUnavailable("too many unrecognized commands"))
		return errCloseAfterResponse
	}
	return sess.writeResponse(respCommandNotRecognized(verb))
}

func splitCommand(line string) (verb, args string) {
	line = strings.TrimRight(line, " \t")
	if line == "" {
		return "", ""
	}
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

func (srv *Server) name() string {
	if srv.config.Name != "" {
		return srv.config.Name
	}
	return "localhost"
}

func (srv *Server) logger() *slog.Logger { return srv.config.logger() }

func (srv *Server) logTransportError(sess *Session, err error) {
	if errors.Is(err, io.EOF) {
		return
	}
	// ECONNRESET/EPIPE outside a transaction are swallowed per §7; inside
	// one, the caller already surfaced the error to onData.
	srv.logger().Debug("connection read error", slog.String("session", sess.ID), slog.Any("error", err))
}

func codeAndMessage(err error, defaultCode SMTPCode, defaultMsg string) (SMTPCode, string) {
	var herr *HandlerError
	if errors.As(err, &herr) {
		code := herr.Code
		if code == 0 {
			code = defaultCode
		}
		msg := herr.Message
		if msg == "" {
			msg = defaultMsg
		}
		return code, msg
	}
	return defaultCode, err.Error()
}

// --- HELO / EHLO / LHLO -----------------------------------------------

func handleHelo(srv *Server, sess *Session, args string) (Response, error) {
	return greetingResponse(srv, sess, "HELO", args, false)
}

func handleEhlo(srv *Server, sess *Session, args string) (Response, error) {
	return greetingResponse(srv, sess, "EHLO", args, true)
}

func handleLhlo(srv *Server, sess *Session, args string) (Response, error) {
	if !srv.config.LMTP {
		return respCommandNotRecognized("LHLO"), nil
	}
	return greetingResponse(srv, sess, "LHLO", args, true)
}

func greetingResponse(srv *Server, sess *Session, verb, hostname string, extended bool) (Response, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return respSyntaxError(verb + " requires a hostname argument"), nil
	}

	sess.mu.Lock()
	sess.OpeningCommand = verb
	sess.HostNameAppearsAs = strings.ToLower(hostname)
	sess.Envelope.reset()
	sess.unrecCount = 0
	sess.mu.Unlock()
	sess.setState(StateIdentified)

	if !extended {
		return NewResponse(CodeOK, "", fmt.Sprintf("%s Nice to meet you, %s", srv.name(), sess.ClientHostname)), nil
	}

	lines := append([]string{fmt.Sprintf("%s Nice to meet you, %s", srv.name(), sess.ClientHostname)}, srv.buildExtensions(sess)...)
	return Response{Code: CodeOK, Lines: lines}, nil
}

// --- MAIL FROM ----------------------------------------------------------

func handleMail(srv *Server, sess *Session, args string) (Response, error) {
	if sess.State() == StateTransaction || sess.Envelope.MailFrom != nil {
		return respBadSequence("MAIL command already given"), nil
	}

	addr, err := parseAddressCommand("FROM", args)
	if err != nil {
		return respSyntaxError(err.Error()), nil
	}

	if srv.config.Size > 0 && !srv.config.HideSize {
		if raw, ok := addr.Args["SIZE"]; ok {
			n, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				return respSyntaxError("invalid SIZE parameter"), nil
			}
			if n > srv.config.Size {
				return respExceededStorage(), nil
			}
		}
	}

	if body, ok := addr.Args["BODY"]; ok {
		switch strings.ToUpper(body) {
		case "7BIT", "8BITMIME":
		default:
			return NewResponse(CodeParameterNotImpl, ESCInvalidArgs, "unsupported BODY parameter"), nil
		}
	}

	if addr.Has("SMTPUTF8") && addr.Args["SMTPUTF8"] != "" {
		return NewResponse(CodeParameterNotImpl, ESCInvalidArgs, "SMTPUTF8 takes no value"), nil
	}

	if addr.Has("REQUIRETLS") {
		if !srv.config.RequireTLSAdvertised || !sess.Secure {
			return respAuthRequired("REQUIRETLS not permitted on non-TLS connections"), nil
		}
	}

	if ret, ok := addr.Args["RET"]; ok {
		switch strings.ToUpper(ret) {
		case "FULL", "HDRS":
		default:
			return NewResponse(CodeParameterNotImpl, ESCInvalidArgs, "unsupported RET parameter"), nil
		}
	}

	if envid, ok := addr.Args["ENVID"]; ok && len(envid) > maxEnvidLength {
		return respSyntaxError("ENVID exceeds maximum length"), nil
	}

	if cb := srv.config.Callbacks; cb != nil && cb.OnMailFrom != nil {
		if err := cb.OnMailFrom(sess, addr); err != nil {
			code, msg := codeAndMessage(err, CodeMailboxNotFound, "sender rejected")
			return NewResponse(code, "", msg), nil
		}
	}

	sess.mu.Lock()
	sess.Envelope.MailFrom = &addr
	sess.mu.Unlock()
	sess.setState(StateTransaction)

	return NewResponse(CodeOK, "", "Accepted"), nil
}

// --- RCPT TO --------------------------------------------------------------

func handleRcpt(srv *Server, sess *Session, args string) (Response, error) {
	if sess.Envelope.MailFrom == nil {
		return respBadSequence("need MAIL before RCPT"), nil
	}

	if limit := srv.config.maxRecipients(); limit > 0 && len(sess.Envelope.RcptTo) >= limit {
		return NewResponse(CodeInsufficientStorage, ESCTooManyRecipients, "too many recipients"), nil
	}

	addr, err := parseAddressCommand("TO", args)
	if err != nil {
		return respSyntaxError(err.Error()), nil
	}

	if notify, ok := addr.Args["NOTIFY"]; ok {
		if err := validateNotify(notify); err != nil {
			return respSyntaxError(err.Error()), nil
		}
	}
	if orcpt, ok := addr.Args["ORCPT"]; ok {
		if !strings.Contains(orcpt, ";") {
			return respSyntaxError("invalid ORCPT parameter"), nil
		}
	}

	if cb := srv.config.Callbacks; cb != nil && cb.OnRcptTo != nil {
		if err := cb.OnRcptTo(sess, addr); err != nil {
			code, msg := codeAndMessage(err, CodeMailboxNotFound, "recipient rejected")
			return NewResponse(code, "", msg), nil
		}
	}

	sess.mu.Lock()
	sess.Envelope.addRecipient(addr)
	sess.mu.Unlock()

	return NewResponse(CodeOK, "", "Accepted"), nil
}

func validateNotify(raw string) error {
	parts := strings.Split(raw, ",")
	hasNever := false
	for _, p := range parts {
		switch strings.ToUpper(strings.TrimSpace(p)) {
		case "NEVER":
			hasNever = true
		case "SUCCESS", "FAILURE", "DELAY":
		default:
			return fmt.Errorf("invalid NOTIFY value: %s", p)
		}
	}
	if hasNever && len(parts) > 1 {
		return fmt.Errorf("NOTIFY=NEVER must appear alone")
	}
	return nil
}

// --- DATA -------------------------------------------------------------

func handleData(srv *Server, sess *Session, _ string) (Response, error) {
	sess.mu.RLock()
	rcpts := append([]Address(nil), sess.Envelope.RcptTo...)
	sess.mu.RUnlock()

	if len(rcpts) == 0 {
		return respBadSequence("need RCPT before DATA"), nil
	}

	sess.setState(StateData)
	if err := sess.writeResponse(NewResponse(CodeStartMailInput, "", "End data with <CR><LF>.<CR><LF>")); err != nil {
		return Response{}, err
	}

	// The DATA phase inherits the same idle timeout as command mode, but it
	// must apply per chunk of the body rather than to the transfer as a
	// whole: a net.Conn deadline is an absolute point in time, so setting
	// it once up front would disconnect a slow-but-still-sending client
	// partway through a large message. touch refreshes it on every byte
	// the frame parser pulls off the wire.
	idle := srv.config.socketTimeout()
	touch := func() { sess.conn.SetReadDeadline(time.Now().Add(idle)) }
	touch()
	body := frame.StartDataMode(sess.reader, srv.config.Size, touch)

	var cbErr error
	if cb := srv.config.Callbacks; cb != nil && cb.OnData != nil {
		cbErr = cb.OnData(sess, body)
	} else {
		_, cbErr = io.Copy(io.Discard, body)
	}
	// Drain any bytes OnData left unread so the parser's terminator
	// bookkeeping (and the socket position) is consistent either way.
	io.Copy(io.Discard, body)
	sizeExceeded := body.SizeExceeded()
	if sizeExceeded {
		sess.LastError = ErrMessageTooLarge
	}

	sess.mu.Lock()
	sess.Transaction++
	sess.unrecCount = 0
	sess.Envelope.reset()
	sess.mu.Unlock()
	sess.setState(StateIdentified)

	if sizeExceeded {
		if srv.config.LMTP {
			return Response{}, writeUniformLMTPResponse(sess, rcpts, respExceededStorage())
		}
		return respExceededStorage(), nil
	}

	if srv.config.LMTP {
		return Response{}, writeLMTPResponses(sess, rcpts, cbErr)
	}

	if cbErr != nil {
		code, msg := codeAndMessage(cbErr, CodeMailboxUnavailable, "message rejected")
		return NewResponse(code, "", msg), nil
	}
	return NewResponse(CodeOK, "", fmt.Sprintf("OK: message queued as %s", sess.ID)), nil
}

func writeUniformLMTPResponse(sess *Session, rcpts []Address, resp Response) error {
	for range rcpts {
		if err := sess.writeResponse(resp); err != nil {
			return err
		}
	}
	return nil
}

func writeLMTPResponses(sess *Session, rcpts []Address, cbErr error) error {
	var lmtp *LMTPResult
	errors.As(cbErr, &lmtp)

	for i := range rcpts {
		var perErr error
		switch {
		case lmtp != nil && i < len(lmtp.Responses):
			perErr = lmtp.Responses[i]
		default:
			perErr = cbErr
		}

		var resp Response
		if perErr != nil {
			code, msg := codeAndMessage(perErr, CodeMailboxUnavailable, "message rejected")
			resp = NewResponse(code, "", msg)
		} else {
			resp = NewResponse(CodeOK, "", "OK")
		}
		if err := sess.writeResponse(resp); err != nil {
			return err
		}
	}
	return nil
}

// --- RSET / NOOP / QUIT / VRFY / EXPN / HELP ----------------------------

func handleRset(srv *Server, sess *Session, _ string) (Response, error) {
	// Per the Open Question resolution: RSET during DATA cannot reach
	// this handler at all (the parser owns the socket until the
	// terminator arrives), so no special-casing is needed here; this
	// handler only ever runs in command mode.
	sess.resetEnvelope()
	if sess.State() != StateConnecting {
		sess.setState(StateIdentified)
	}
	return NewResponse(CodeOK, "", "Flushed"), nil
}

func handleNoop(srv *Server, sess *Session, _ string) (Response, error) {
	return NewResponse(CodeOK, "", "OK"), nil
}

func handleQuit(srv *Server, sess *Session, _ string) (Response, error) {
	sess.setState(StateClosing)
	sess.writeResponse(respServiceClosing(srv.name()))
	return Response{}, errCloseAfterResponse
}

func handleVrfy(srv *Server, sess *Session, _ string) (Response, error) {
	return NewResponse(CodeCannotVRFY, "", "VRFY administratively disabled"), nil
}

func handleExpn(srv *Server, sess *Session, _ string) (Response, error) {
	return NewResponse(CodeCannotVRFY, "", "EXPN administratively disabled"), nil
}

func handleHelp(srv *Server, sess *Session, _ string) (Response, error) {
	return NewResponse(CodeHelpMessage, "", "see RFC 5321"), nil
}

// --- STARTTLS -----------------------------------------------------------

func handleStartTLS(srv *Server, sess *Session, _ string) (Response, error) {
	if sess.Secure {
		return respBadSequence("TLS already active"), nil
	}
	if srv.config.HideSTARTTLS || commandDisabled(srv.config, "STARTTLS") {
		return respCommandNotRecognized("STARTTLS"), nil
	}

	if err := sess.writeResponse(NewResponse(CodeServiceReady, "", "Ready to start TLS")); err != nil {
		return Response{}, err
	}

	tlsCfg := srv.secureContextFor(sess.HostNameAppearsAs)
	if err := sess.UpgradeToTLS(tlsCfg); err != nil {
		srv.logger().Warn("STARTTLS handshake failed", slog.String("session", sess.ID), slog.Any("error", err))
		return Response{}, err
	}

	sess.mu.Lock()
	sess.OpeningCommand = ""
	sess.HostNameAppearsAs = ""
	sess.Envelope.reset()
	sess.mu.Unlock()
	sess.setState(StateGreeted)

	if cb := srv.config.Callbacks; cb != nil && cb.OnSecure != nil {
		if err := cb.OnSecure(sess); err != nil {
			code, msg := codeAndMessage(err, CodeTransactionFailed, "secure connection rejected")
			return NewResponse(code, "", msg), errCloseAfterResponse
		}
	}
	return Response{}, nil
}

// --- AUTH -----------------------------------------------------------------

func handleAuth(srv *Server, sess *Session, args string) (Response, error) {
	if sess.Auth.Identity != "" {
		return respBadSequence("already authenticated"), nil
	}
	if !srv.config.AllowInsecureAuth && !sess.Secure {
		return respSTARTTLSRequired(), nil
	}
	if len(srv.config.AuthMethods) == 0 {
		return respCommandNotRecognized("AUTH"), nil
	}

	mechName, rest := splitCommand(args)
	mechName = strings.ToUpper(mechName)
	if !authMethodAllowed(srv.config.AuthMethods, mechName) {
		return NewResponse(CodeParameterNotImpl, "", "unrecognized authentication type"), nil
	}

	mech, err := newMechanism(mechName, srv, sess)
	if err != nil {
		return NewResponse(CodeParameterNotImpl, "", err.Error()), nil
	}

	challenge, done, serr := mech.Start(rest)
	return continueSASL(srv, sess, mechName, mech, challenge, done, serr)
}

func authMethodAllowed(methods []string, name string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

func newMechanism(name string, srv *Server, sess *Session) (sasl.Mechanism, error) {
	switch name {
	case "PLAIN":
		return sasl.NewPlain(), nil
	case "LOGIN":
		return sasl.NewLogin(), nil
	case "XOAUTH2":
		return sasl.NewXOAuth2(), nil
	case "CRAM-MD5":
		return sasl.NewCramMD5(sasl.NewChallenge(randomHex(16), srv.name())), nil
	default:
		return nil, fmt.Errorf("unsupported authentication mechanism")
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable; there is nothing sensible to do but degrade to a
		// fixed, low-entropy challenge rather than panic mid-handshake.
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}

// continueSASL advances a SASL exchange by one step, queuing a
// nextLineHandler when more client input is required.
func continueSASL(srv *Server, sess *Session, mechName string, mech sasl.Mechanism, challenge string, done bool, serr error) (Response, error) {
	if !done {
		sess.mu.Lock()
		sess.nextLineHandler = func(s *Session, line string) (Response, error) {
			ch, d, err := mech.Next(line)
			return continueSASL(srv, s, mechName, mech, ch, d, err)
		}
		sess.mu.Unlock()
		return NewResponse(CodeAuthContinue, "", challenge), nil
	}

	sess.mu.Lock()
	sess.nextLineHandler = nil
	sess.mu.Unlock()

	if errors.Is(serr, sasl.ErrAuthenticationCancelled) {
		return respSyntaxError("authentication cancelled"), nil
	}
	if serr != nil {
		return respAuthCredentialsInvalid(""), nil
	}

	creds := mech.Credentials()
	req := AuthRequest{Method: mechName}
	if creds != nil {
		req.Username = creds.AuthenticationID
		req.Password = creds.Password
		req.AccessToken = creds.Password
	}
	if cm, ok := mech.(*sasl.CramMD5); ok {
		req.Challenge = cm.Challenge()
		req.ChallengeResponse = cm.Response()
		req.ValidatePassword = cm.ValidateAgainst
	}

	return finishAuth(srv, sess, req)
}

func finishAuth(srv *Server, sess *Session, req AuthRequest) (Response, error) {
	cb := srv.config.Callbacks
	if cb == nil || cb.OnAuth == nil {
		return respAuthCredentialsInvalid("authentication not supported"), nil
	}
	result, err := cb.OnAuth(sess, req)
	if err != nil || result.User == "" {
		code, msg := codeAndMessage(err, CodeAuthCredentialsInvalid, "authentication failed")
		if result.Message != "" {
			msg = result.Message
		}
		if result.ResponseCode != 0 {
			code = result.ResponseCode
		}
		return NewResponse(code, "", msg), nil
	}

	sess.mu.Lock()
	sess.Auth = AuthInfo{Identity: result.User, Mechanism: req.Method, AuthenticatedAt: time.Now()}
	sess.mu.Unlock()

	return NewResponse(CodeAuthSuccess, "", "Authentication successful"), nil
}

// --- XCLIENT / XFORWARD --------------------------------------------------

func handleXClient(srv *Server, sess *Session, args string) (Response, error) {
	if !srv.config.UseXClient {
		return respCommandNotRecognized("XCLIENT"), nil
	}
	if sess.xclientAddrLocked {
		return respBadSequence("XCLIENT ADDR already set"), nil
	}

	params := parseKVTokens(args)
	if addr, ok := params["ADDR"]; ok {
		if resolved, ok := resolveTrustToken(addr); ok {
			if ip := net.ParseIP(resolved); ip != nil {
				sess.mu.Lock()
				sess.RemoteAddress = normalizeIP(ip)
				sess.Envelope.reset()
				sess.mu.Unlock()
				sess.xclientAddrLocked = true
			} else {
				return respSyntaxError("invalid XCLIENT ADDR"), nil
			}
		}
	}
	if port, ok := params["PORT"]; ok {
		if resolved, ok := resolveTrustToken(port); ok {
			if n, err := strconv.Atoi(resolved); err == nil {
				sess.mu.Lock()
				sess.RemotePort = n
				sess.mu.Unlock()
			}
		}
	}
	if name, ok := params["NAME"]; ok {
		if resolved, ok := resolveTrustToken(name); ok {
			sess.mu.Lock()
			sess.ClientHostname = resolved
			sess.mu.Unlock()
		}
	}
	if helo, ok := params["HELO"]; ok {
		sess.mu.Lock()
		sess.HostNameAppearsAs = strings.ToLower(helo)
		sess.mu.Unlock()
	}
	if login, ok := params["LOGIN"]; ok {
		if login == "" {
			sess.mu.Lock()
			sess.Auth = AuthInfo{}
			sess.mu.Unlock()
		} else if cb := srv.config.Callbacks; cb != nil && cb.OnAuth != nil {
			result, err := cb.OnAuth(sess, AuthRequest{Method: "XCLIENT", Username: login})
			if err == nil && result.User != "" {
				sess.mu.Lock()
				sess.Auth = AuthInfo{Identity: result.User, Mechanism: "XCLIENT", AuthenticatedAt: time.Now()}
				sess.mu.Unlock()
			}
		}
	}

	sess.mu.Lock()
	sess.XClient = params
	sess.mu.Unlock()

	return NewResponse(CodeOK, "", "OK"), nil
}

func handleXForward(srv *Server, sess *Session, args string) (Response, error) {
	if !srv.config.UseXForward {
		return respCommandNotRecognized("XFORWARD"), nil
	}
	params := parseKVTokens(args)
	sess.mu.Lock()
	sess.XForward = params
	sess.mu.Unlock()
	return NewResponse(CodeOK, "", "OK"), nil
}

// resolveTrustToken maps Postfix's "[UNAVAILABLE]"/"[TEMPUNAVAIL]" tokens
// to "unset" (ok=false means the caller should not apply any change).
func resolveTrustToken(v string) (string, bool) {
	switch v {
	case "[UNAVAILABLE]", "[TEMPUNAVAIL]":
		return "", false
	default:
		return v, true
	}
}

func parseKVTokens(args string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Fields(args) {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		out[strings.ToUpper(key)] = val
	}
	return out
}
