package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// CramMD5 implements the CRAM-MD5 SASL mechanism (RFC 2195). Verification
// is delegated to the caller: CramMD5 only parses the client's response
// into a username and digest and exposes a ValidateAgainst helper that
// computes HMAC-MD5(password, challenge) for the caller to compare.
type CramMD5 struct {
	challenge string
	username  string
	digest    string
	creds     *Credentials
	done      bool
}

// NewCramMD5 creates a CRAM-MD5 handler that will issue challenge as its
// server challenge string (typically "<random@hostname>").
func NewCramMD5(challenge string) *CramMD5 {
	return &CramMD5{challenge: challenge}
}

func (c *CramMD5) Name() string { return "CRAM-MD5" }

// Start issues the base64-encoded challenge. CRAM-MD5 never accepts an
// initial response.
func (c *CramMD5) Start(initialResponse string) (challenge string, done bool, err error) {
	return base64.StdEncoding.EncodeToString([]byte(c.challenge)), false, nil
}

// Next parses "username hex-hmac-md5-digest".
func (c *CramMD5) Next(response string) (challenge string, done bool, err error) {
	if response == "*" {
		c.done = true
		return "", true, ErrAuthenticationCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		c.done = true
		return "", true, ErrInvalidBase64
	}

	parts := strings.SplitN(string(decoded), " ", 2)
	if len(parts) != 2 {
		c.done = true
		return "", true, ErrInvalidFormat
	}

	c.username = parts[0]
	c.digest = strings.ToLower(parts[1])
	c.creds = &Credentials{AuthenticationID: c.username}
	c.done = true
	return "", true, nil
}

// Challenge returns the raw challenge string issued to the client, for a
// caller's ValidatePassword closure.
func (c *CramMD5) Challenge() string { return c.challenge }

// Response returns the client's hex digest, for comparison.
func (c *CramMD5) Response() string { return c.digest }

// ValidateAgainst reports whether password produces the digest the client
// sent, per HMAC-MD5(password, challenge).
func (c *CramMD5) ValidateAgainst(password string) bool {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(c.challenge))
	want := hex.EncodeToString(mac.Sum(nil))
	return strings.EqualFold(want, c.digest)
}

func (c *CramMD5) Credentials() *Credentials { return c.creds }

// NewChallenge builds a CRAM-MD5 challenge string of the conventional
// "<random-hex@hostname>" shape.
func NewChallenge(randomHex, hostname string) string {
	return fmt.Sprintf("<%s@%s>", randomHex, hostname)
}
