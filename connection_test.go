package smtpserver

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// testClient is a minimal line-oriented SMTP client for exercising the
// server end to end over a real socket.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{conn: conn, reader: bufio.NewReader(conn), t: t}
}

func (c *testClient) close() { c.conn.Close() }

func (c *testClient) send(line string) {
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}
	return lines
}

func (c *testClient) expectCode(want int) string {
	line := c.readLine()
	var got int
	fmt.Sscanf(line, "%d", &got)
	if got != want {
		c.t.Errorf("expected code %d, got %q", want, line)
	}
	return line
}

func (c *testClient) expectMultilineCode(want int) []string {
	lines := c.readMultiline()
	var got int
	fmt.Sscanf(lines[len(lines)-1], "%d", &got)
	if got != want {
		c.t.Errorf("expected code %d, got %v", want, lines)
	}
	return lines
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer boots a Server on a loopback port and waits for it to
// accept connections before returning.
func startTestServer(t *testing.T, cfg *ServerConfig) (*Server, string) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultServerConfig("test.example.com")
	}
	if cfg.Name == "" {
		cfg.Name = "test.example.com"
	}
	cfg.Logger = discardLogger()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer(cfg)
	go func() { _ = srv.Serve(ln) }()

	addr := ln.Addr().String()
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, addr
}

func TestBasicSMTPSession(t *testing.T) {
	type received struct {
		from string
		to   []string
		body string
	}
	var got received
	var mu sync.Mutex

	cfg := DefaultServerConfig("test.example.com")
	cfg.Callbacks = &Callbacks{
		OnData: func(sess *Session, body *BodyReader) error {
			data, err := io.ReadAll(body)
			if err != nil {
				return err
			}
			mu.Lock()
			got.from = sess.Envelope.MailFrom.String()
			for _, r := range sess.Envelope.RcptTo {
				got.to = append(got.to, r.String())
			}
			got.body = string(data)
			mu.Unlock()
			return nil
		},
	}

	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)

	c.send("EHLO client.example.com")
	lines := c.expectMultilineCode(250)
	if len(lines) < 2 {
		t.Errorf("expected multiple EHLO lines, got %d", len(lines))
	}

	c.send("MAIL FROM:<sender@example.com>")
	c.expectCode(250)

	c.send("RCPT TO:<recipient@example.com>")
	c.expectCode(250)

	c.send("DATA")
	c.expectCode(354)

	c.send("Subject: hello")
	c.send("")
	c.send("..this line starts with a dot")
	c.send("this line does not")
	c.send(".")
	c.expectCode(250)

	c.send("QUIT")
	c.expectCode(221)

	mu.Lock()
	defer mu.Unlock()
	if got.from != "sender@example.com" {
		t.Errorf("from = %q", got.from)
	}
	if len(got.to) != 1 || got.to[0] != "recipient@example.com" {
		t.Errorf("to = %v", got.to)
	}
	wantBody := "Subject: hello\r\n\r\n.this line starts with a dot\r\nthis line does not"
	if got.body != wantBody {
		t.Errorf("body = %q, want %q", got.body, wantBody)
	}
}

// TestUnrecognisedCommandAbuseCounter exercises S3: the Nth unrecognised
// command closes the connection with 421 rather than a plain 500.
func TestUnrecognisedCommandAbuseCounter(t *testing.T) {
	cfg := DefaultServerConfig("test.example.com")
	cfg.UnrecognisedCommandLimit = 3
	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)

	c.send("BOGUS1")
	c.expectCode(500)
	c.send("BOGUS2")
	c.expectCode(500)
	c.send("BOGUS3")
	c.expectCode(421)
}

// TestRequireTLSOnCleartext exercises S4: REQUIRETLS on a non-TLS
// connection is rejected with 530.
func TestRequireTLSOnCleartext(t *testing.T) {
	cfg := DefaultServerConfig("test.example.com")
	cfg.RequireTLSAdvertised = true
	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)

	c.send("MAIL FROM:<a@example.com> REQUIRETLS")
	c.expectCode(530)
}

func TestPreHeloSequenceGate(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)
	c.send("MAIL FROM:<a@example.com>")
	c.expectCode(503)
}

func TestAuthRequiredGateClosesAfterThreshold(t *testing.T) {
	cfg := DefaultServerConfig("test.example.com")
	cfg.AuthOptional = false
	cfg.UnauthenticatedCommandLimit = 2
	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)

	c.send("MAIL FROM:<a@example.com>")
	c.expectCode(530)
	c.send("MAIL FROM:<a@example.com>")
	c.expectCode(421)
}

func TestLMTPPerRecipientResponses(t *testing.T) {
	cfg := DefaultServerConfig("lmtp.example.com")
	cfg.LMTP = true
	cfg.AuthOptional = true
	cfg.Callbacks = &Callbacks{
		OnData: func(sess *Session, body *BodyReader) error {
			io.Copy(io.Discard, body)
			return &LMTPResult{Responses: []error{nil, &HandlerError{Code: CodeMailboxNotFound, Message: "no such user"}}}
		},
	}
	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)
	c.send("LHLO client.example.com")
	c.expectMultilineCode(250)

	c.send("MAIL FROM:<a@example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<good@example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<bad@example.com>")
	c.expectCode(250)

	c.send("DATA")
	c.expectCode(354)
	c.send("hello")
	c.send(".")
	c.expectCode(250)
	c.expectCode(550)
}

func TestRcptDedupByCaseInsensitiveAddress(t *testing.T) {
	var rcpts []Address
	cfg := DefaultServerConfig("test.example.com")
	cfg.Callbacks = &Callbacks{
		OnData: func(sess *Session, body *BodyReader) error {
			io.Copy(io.Discard, body)
			rcpts = append([]Address(nil), sess.Envelope.RcptTo...)
			return nil
		},
	}
	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)
	c.send("MAIL FROM:<a@example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<Bob@Example.com>")
	c.expectCode(250)
	c.send("RCPT TO:<bob@example.com>")
	c.expectCode(250)
	c.send("DATA")
	c.expectCode(354)
	c.send(".")
	c.expectCode(250)

	if len(rcpts) != 1 {
		t.Fatalf("expected 1 deduped recipient, got %d: %v", len(rcpts), rcpts)
	}
	if rcpts[0].String() != "bob@example.com" {
		t.Errorf("expected later casing to win, got %q", rcpts[0].String())
	}
}

func TestEnvidLengthLimit(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)

	long := strings.Repeat("x", maxEnvidLength+1)
	c.send("MAIL FROM:<a@example.com> ENVID=" + long)
	c.expectCode(501)
}

func TestRsetClearsEnvelope(t *testing.T) {
	srv, addr := startTestServer(t, nil)
	defer srv.Close()

	c := newTestClient(t, addr)
	defer c.close()

	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)
	c.send("MAIL FROM:<a@example.com>")
	c.expectCode(250)
	c.send("RSET")
	c.expectCode(250)
	c.send("RCPT TO:<b@example.com>")
	c.expectCode(503)
}
