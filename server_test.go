package smtpserver

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"
)

// generateTestCert creates a self-signed certificate for STARTTLS tests.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "test.example.com"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"test.example.com", "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("parse keypair: %v", err)
	}
	return cert
}

func TestStartTLSUpgrade(t *testing.T) {
	cert := generateTestCert(t)
	cfg := DefaultServerConfig("test.example.com")
	cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	var secured bool
	cfg.Callbacks = &Callbacks{
		OnSecure: func(sess *Session) error {
			secured = true
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
	found := false
	for _, l := range lines {
		if l == "250-STARTTLS" || l == "250 STARTTLS" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected STARTTLS advertised, got %v", lines)
	}

	c.send("STARTTLS")
	c.expectCode(220)

	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)

	c.send("EHLO client.example.com")
	lines = c.expectMultilineCode(250)
	for _, l := range lines {
		if l == "250-STARTTLS" || l == "250 STARTTLS" {
			t.Errorf("STARTTLS re-advertised after upgrade: %v", lines)
		}
	}

	c.send("QUIT")
	c.expectCode(221)

	if !secured {
		t.Error("OnSecure was never invoked")
	}
}

func TestMaxClientsRejects421(t *testing.T) {
	cfg := DefaultServerConfig("test.example.com")
	cfg.MaxClients = 1
	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	held := newTestClient(t, addr)
	defer held.close()
	held.expectCode(220)

	rejected := newTestClient(t, addr)
	defer rejected.close()
	rejected.expectCode(421)
}

func TestGracefulClose(t *testing.T) {
	cfg := DefaultServerConfig("test.example.com")
	cfg.CloseTimeout = 200 * time.Millisecond
	srv, addr := startTestServer(t, cfg)

	c := newTestClient(t, addr)
	defer c.close()
	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.expectMultilineCode(250)

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()

	c.expectCode(421)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	select {
	case <-srv.Done():
	default:
		t.Error("Done channel not closed after Close returns")
	}
}

func TestProxyProtocolRewritesRemoteAddress(t *testing.T) {
	cfg := DefaultServerConfig("test.example.com")
	cfg.UseProxy = true

	var observedAddr string
	cfg.Callbacks = &Callbacks{
		OnConnect: func(sess *Session) error {
			observedAddr = sess.RemoteAddress
			return nil
		},
	}
	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("PROXY TCP4 10.1.2.3 10.1.2.4 5555 25\r\n")); err != nil {
		t.Fatalf("write proxy header: %v", err)
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if len(line) < 3 || line[:3] != "220" {
		t.Fatalf("expected 220 greeting, got %q", line)
	}

	if observedAddr != "10.1.2.3" {
		t.Errorf("expected PROXY-rewritten address 10.1.2.3, got %q", observedAddr)
	}
}

func TestIgnoredHostsDropsConnection(t *testing.T) {
	cfg := DefaultServerConfig("test.example.com")
	cfg.IgnoredHosts = []string{"127.0.0.1"}
	srv, addr := startTestServer(t, cfg)
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to be dropped without a greeting")
	}
}
